// Package security holds the capability that gates whole-database
// administrative operations.
package security

import (
	"context"

	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
)

// Operation names an administrative operation
type Operation string

const (
	OpFreeze                        Operation = "freeze"
	OpUnfreeze                      Operation = "unfreeze"
	OpCheckpoint                    Operation = "checkpoint"
	OpBackup                        Operation = "backup"
	OpBackupAndEnableLogArchiveMode Operation = "backup_and_enable_log_archive_mode"
	OpDisableLogArchiveMode         Operation = "disable_log_archive_mode"
)

// Operations lists every administrative operation
var Operations = []Operation{
	OpFreeze,
	OpUnfreeze,
	OpCheckpoint,
	OpBackup,
	OpBackupAndEnableLogArchiveMode,
	OpDisableLogArchiveMode,
}

// Authorizer decides whether the caller in ctx may run op
type Authorizer interface {
	Authorize(ctx context.Context, op Operation) error
}

type principalKey struct{}

// WithPrincipal returns a context carrying the calling principal
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the principal stored by WithPrincipal
func PrincipalFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok && p != ""
}

// Config holds authorization configuration
type Config struct {
	Enabled           bool
	AllowedOperations []string
	AdminPrincipals   []string
}

// ConfigAuthorizer authorizes from static configuration. When disabled every
// operation is allowed.
type ConfigAuthorizer struct {
	enabled    bool
	allowed    map[Operation]bool
	principals map[string]bool
	logger     *zap.Logger
}

var _ Authorizer = (*ConfigAuthorizer)(nil)

// NewConfigAuthorizer creates an authorizer. An empty operation list allows
// every operation, an empty principal list admits any named principal.
func NewConfigAuthorizer(cfg Config, logger *zap.Logger) *ConfigAuthorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &ConfigAuthorizer{
		enabled:    cfg.Enabled,
		allowed:    make(map[Operation]bool),
		principals: make(map[string]bool),
		logger:     logger,
	}
	ops := cfg.AllowedOperations
	if len(ops) == 0 {
		for _, op := range Operations {
			ops = append(ops, string(op))
		}
	}
	for _, op := range ops {
		a.allowed[Operation(op)] = true
	}
	for _, p := range cfg.AdminPrincipals {
		a.principals[p] = true
	}
	return a
}

// Authorize implements Authorizer
func (a *ConfigAuthorizer) Authorize(ctx context.Context, op Operation) error {
	if !a.enabled {
		return nil
	}
	principal, ok := PrincipalFrom(ctx)
	switch {
	case !ok:
		a.logger.Warn("Rejected anonymous administrative operation", zap.String("operation", string(op)))
		return accesserrors.NotAuthorized(string(op))
	case len(a.principals) > 0 && !a.principals[principal]:
		a.logger.Warn("Rejected administrative operation",
			zap.String("operation", string(op)),
			zap.String("principal", principal))
		return accesserrors.NotAuthorized(string(op)).WithDetail("principal", principal)
	case !a.allowed[op]:
		a.logger.Warn("Administrative operation is disabled",
			zap.String("operation", string(op)),
			zap.String("principal", principal))
		return accesserrors.NotAuthorized(string(op)).WithDetail("principal", principal)
	}
	return nil
}

// AllowAll authorizes every operation
type AllowAll struct{}

// Authorize implements Authorizer
func (AllowAll) Authorize(context.Context, Operation) error { return nil }
