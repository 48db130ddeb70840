package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for access layer operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Not found
	ErrCodeConglomerateDoesNotExist ErrorCode = 1001
	ErrCodeNoSuchSort               ErrorCode = 1002
	ErrCodeNoSuchConglomerateType   ErrorCode = 1003
	ErrCodeSavepointNotFound        ErrorCode = 1004
	ErrCodeXATransactionNotFound    ErrorCode = 1005

	// Configuration
	ErrCodeInvalidArgument              ErrorCode = 2000
	ErrCodeNoFactoryForImplementation   ErrorCode = 2001
	ErrCodeEncryptionProviderImmutable  ErrorCode = 2002
	ErrCodeEncryptionAlgorithmImmutable ErrorCode = 2003
	ErrCodeInvalidProperty              ErrorCode = 2004

	// Concurrency
	ErrCodeLockTimeout   ErrorCode = 3001
	ErrCodeDeadlock      ErrorCode = 3002
	ErrCodeBackupBlocked ErrorCode = 3003

	// Protocol
	ErrCodeNestedTransactionDepth   ErrorCode = 4001
	ErrCodeTransactionContextActive ErrorCode = 4002
	ErrCodeTransactionClosed        ErrorCode = 4003
	ErrCodeConglomerateOpen         ErrorCode = 4004
	ErrCodeControllerClosed         ErrorCode = 4005
	ErrCodeXAProtocol               ErrorCode = 4006

	// Security
	ErrCodeNotAuthorized ErrorCode = 5001

	// Resource
	ErrCodeCacheFull            ErrorCode = 6001
	ErrCodeConglomerateIDExists ErrorCode = 6002
	ErrCodeDiskFull             ErrorCode = 6003
	ErrCodeChecksumFailed       ErrorCode = 6004

	// Internal
	ErrCodeInternal                     ErrorCode = 7000
	ErrCodeServiceMissingImplementation ErrorCode = 7001
	ErrCodeBootFailed                   ErrorCode = 7002
	ErrCodeReadOnly                     ErrorCode = 7003
	ErrCodeCorruptedData                ErrorCode = 7004
)

// Kind groups error codes by how callers should react to them
type Kind string

const (
	KindNone          Kind = ""
	KindNotFound      Kind = "not_found"
	KindConfiguration Kind = "configuration"
	KindConcurrency   Kind = "concurrency"
	KindProtocol      Kind = "protocol"
	KindSecurity      Kind = "security"
	KindResource      Kind = "resource"
	KindInternal      Kind = "internal"
)

// Kind returns the group a code belongs to
func (c ErrorCode) Kind() Kind {
	switch {
	case c == ErrCodeOK:
		return KindNone
	case c >= 1000 && c < 2000:
		return KindNotFound
	case c >= 2000 && c < 3000:
		return KindConfiguration
	case c >= 3000 && c < 4000:
		return KindConcurrency
	case c >= 4000 && c < 5000:
		return KindProtocol
	case c >= 5000 && c < 6000:
		return KindSecurity
	case c >= 6000 && c < 7000:
		return KindResource
	default:
		return KindInternal
	}
}

// AccessError represents a structured error with code and context
type AccessError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *AccessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *AccessError) Unwrap() error {
	return e.Cause
}

// Kind returns the error's group
func (e *AccessError) Kind() Kind {
	return e.Code.Kind()
}

// ToGRPCStatus converts AccessError to gRPC status
func (e *AccessError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *AccessError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeLockTimeout:
		return codes.DeadlineExceeded
	case ErrCodeDeadlock:
		return codes.Aborted
	case ErrCodeBackupBlocked:
		return codes.Unavailable
	case ErrCodeConglomerateIDExists:
		return codes.AlreadyExists
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeReadOnly:
		return codes.FailedPrecondition
	}
	switch e.Kind() {
	case KindNotFound:
		return codes.NotFound
	case KindConfiguration:
		return codes.InvalidArgument
	case KindProtocol:
		return codes.FailedPrecondition
	case KindSecurity:
		return codes.PermissionDenied
	case KindResource:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// NewAccessError creates a new AccessError
func NewAccessError(code ErrorCode, message string, cause error) *AccessError {
	return &AccessError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *AccessError) WithDetail(key string, value interface{}) *AccessError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func ConglomerateDoesNotExist(conglomID int64) *AccessError {
	return NewAccessError(ErrCodeConglomerateDoesNotExist, fmt.Sprintf("conglomerate %d does not exist", conglomID), nil).
		WithDetail("conglom_id", conglomID)
}

func NoSuchSort(sortID int) *AccessError {
	return NewAccessError(ErrCodeNoSuchSort, fmt.Sprintf("sort %d does not exist", sortID), nil).
		WithDetail("sort_id", sortID)
}

func NoSuchConglomerateType(impl string) *AccessError {
	return NewAccessError(ErrCodeNoSuchConglomerateType, fmt.Sprintf("no conglomerate implementation for %q", impl), nil).
		WithDetail("implementation", impl)
}

func NoFactoryForImplementation(impl string) *AccessError {
	return NewAccessError(ErrCodeNoFactoryForImplementation, fmt.Sprintf("no factory of the required kind implements %q", impl), nil).
		WithDetail("implementation", impl)
}

func EncryptionProviderImmutable() *AccessError {
	return NewAccessError(ErrCodeEncryptionProviderImmutable, "encryption provider cannot be changed after boot", nil)
}

func EncryptionAlgorithmImmutable() *AccessError {
	return NewAccessError(ErrCodeEncryptionAlgorithmImmutable, "encryption algorithm cannot be changed after boot", nil)
}

func InvalidArgument(message string, cause error) *AccessError {
	return NewAccessError(ErrCodeInvalidArgument, message, cause)
}

func InvalidProperty(key, value, reason string) *AccessError {
	return NewAccessError(ErrCodeInvalidProperty, fmt.Sprintf("invalid value %q for property %s: %s", value, key, reason), nil).
		WithDetail("key", key).
		WithDetail("value", value)
}

func LockTimeout(lockName string, wait fmt.Stringer) *AccessError {
	return NewAccessError(ErrCodeLockTimeout, fmt.Sprintf("lock wait on %s timed out after %s", lockName, wait), nil).
		WithDetail("lock", lockName)
}

func Deadlock(lockName string, victim string) *AccessError {
	return NewAccessError(ErrCodeDeadlock, fmt.Sprintf("deadlock detected waiting for %s, transaction %s chosen as victim", lockName, victim), nil).
		WithDetail("lock", lockName).
		WithDetail("victim", victim)
}

func BackupBlocked(pending int) *AccessError {
	return NewAccessError(ErrCodeBackupBlocked, fmt.Sprintf("backup blocked by %d transactions with uncommitted writes", pending), nil).
		WithDetail("pending", pending)
}

func NestedTransactionDepth() *AccessError {
	return NewAccessError(ErrCodeNestedTransactionDepth, "a nested user transaction is already active", nil)
}

func TransactionContextActive() *AccessError {
	return NewAccessError(ErrCodeTransactionContextActive, "a transaction context is already active", nil)
}

func TransactionClosed(txnID string) *AccessError {
	return NewAccessError(ErrCodeTransactionClosed, fmt.Sprintf("transaction %s is closed", txnID), nil).
		WithDetail("txn_id", txnID)
}

func ConglomerateOpen(conglomID int64) *AccessError {
	return NewAccessError(ErrCodeConglomerateOpen, fmt.Sprintf("conglomerate %d is open in this transaction", conglomID), nil).
		WithDetail("conglom_id", conglomID)
}

func ControllerClosed(what string) *AccessError {
	return NewAccessError(ErrCodeControllerClosed, fmt.Sprintf("%s is closed", what), nil)
}

func XAProtocol(message string) *AccessError {
	return NewAccessError(ErrCodeXAProtocol, message, nil)
}

func NotAuthorized(operation string) *AccessError {
	return NewAccessError(ErrCodeNotAuthorized, fmt.Sprintf("not authorized to perform %s", operation), nil).
		WithDetail("operation", operation)
}

func CacheFull(entries, ceiling int) *AccessError {
	return NewAccessError(ErrCodeCacheFull, fmt.Sprintf("conglomerate cache full: %d/%d entries in use", entries, ceiling), nil).
		WithDetail("entries", entries).
		WithDetail("ceiling", ceiling)
}

func ConglomerateIDExists(containerID int64) *AccessError {
	return NewAccessError(ErrCodeConglomerateIDExists, fmt.Sprintf("container %d already exists", containerID), nil).
		WithDetail("container_id", containerID)
}

func DiskFull(usagePercent float64, availableBytes uint64) *AccessError {
	return NewAccessError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func ChecksumFailed(expected, actual uint32) *AccessError {
	return NewAccessError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *AccessError {
	return NewAccessError(ErrCodeInternal, message, cause)
}

func ServiceMissingImplementation(module string) *AccessError {
	return NewAccessError(ErrCodeServiceMissingImplementation, fmt.Sprintf("no module provides %q", module), nil).
		WithDetail("module", module)
}

func BootFailed(message string, cause error) *AccessError {
	return NewAccessError(ErrCodeBootFailed, message, cause)
}

func ReadOnly(operation string) *AccessError {
	return NewAccessError(ErrCodeReadOnly, fmt.Sprintf("%s is not allowed in a read-only transaction", operation), nil).
		WithDetail("operation", operation)
}

func CorruptedData(message string, cause error) *AccessError {
	return NewAccessError(ErrCodeCorruptedData, message, cause)
}

// IsAccessError checks if an error is or wraps an AccessError
func IsAccessError(err error) bool {
	var ae *AccessError
	return stderrors.As(err, &ae)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ae *AccessError
	if stderrors.As(err, &ae) {
		return ae.Code
	}
	return ErrCodeInternal
}

// GetKind extracts the error group from an error
func GetKind(err error) Kind {
	return GetCode(err).Kind()
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
