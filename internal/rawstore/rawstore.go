// Package rawstore defines the page and record store the access layer runs
// on. It provides containers, transactions, locking and the whole-database
// administrative operations.
package rawstore

import (
	"context"

	"github.com/devrev/pairdb/store-access/internal/model"
)

// ContainerKind selects the physical organisation of a container
type ContainerKind int

const (
	// ContainerKindHeap stores rows in record id order
	ContainerKindHeap ContainerKind = iota
	// ContainerKindOrdered stores rows ordered by a caller supplied comparator
	ContainerKindOrdered
)

// ContainerSpec describes a container to create
type ContainerSpec struct {
	// ID is the requested container id. Zero asks the store to assign one,
	// which is only allowed for temporary containers.
	ID        model.ContainerID
	Kind      ContainerKind
	Temporary bool
	Metadata  []byte
	// Compare orders rows of an ordered container
	Compare func(a, b model.Row) int
}

// LockingPolicy decides which locks a container handle takes
type LockingPolicy interface {
	Granularity() model.Granularity
	Isolation() model.IsolationLevel
	String() string
}

// CompatibilitySpace is the namespace lock requests are grouped under.
// Requests made from the same space never conflict.
type CompatibilitySpace interface {
	Owner() string
}

// RawStore is the record store collaborator of the access manager
type RawStore interface {
	Boot(ctx context.Context, create bool, props model.Properties) error
	Stop(ctx context.Context) error
	IsReadOnly() bool

	// MaxContainerID returns the largest persistent container id in use
	MaxContainerID() (model.ContainerID, error)
	// NewLockingPolicy returns the policy for the pair. With stricterOK a
	// stricter policy may be returned when the exact one is unsupported.
	NewLockingPolicy(granularity model.Granularity, isolation model.IsolationLevel, stricterOK bool) (LockingPolicy, error)

	StartTransaction(name string) (Transaction, error)
	StartInternalTransaction() (Transaction, error)
	StartNestedReadOnlyUserTransaction(parent Transaction, name string) (Transaction, error)
	StartNestedUpdateUserTransaction(parent Transaction, name string, flushLogOnEnd bool) (Transaction, error)
	StartGlobalTransaction(xid model.Xid) (Transaction, error)

	TransactionInfo() []model.TransactionInfo
	AnyoneBlocked() bool

	ServiceProperty(key string) (string, bool)
	SetServiceProperty(key, value string) error

	Freeze(ctx context.Context) error
	Unfreeze(ctx context.Context) error
	Checkpoint(ctx context.Context) error
	Backup(ctx context.Context, dir string, wait bool) error
	BackupAndEnableLogArchiveMode(ctx context.Context, dir string, deleteOnlineArchivedLogFiles, wait bool) error
	DisableLogArchiveMode(ctx context.Context, deleteOnlineArchivedLogFiles bool) error
}

// Transaction is a raw store transaction
type Transaction interface {
	ID() string
	Name() string
	Kind() model.TransactionKind
	CompatibilitySpace() CompatibilitySpace

	Commit() error
	CommitNoSync(flags model.CommitFlag) error
	Abort() error
	Destroy() error

	SetSavePoint(name string) (int, error)
	ReleaseSavePoint(name string) (int, error)
	RollbackToSavePoint(name string) (int, error)

	IsIdle() bool
	IsPristine() bool
	SetNoLockWait(noWait bool)
	ActiveStateTxIDString() string
	Info() model.TransactionInfo

	GlobalID() *model.Xid
	CreateXATransactionFromLocal(xid model.Xid) error
	XAPrepare() (model.XAVote, error)
	XACommit(onePhase bool) error
	XARollback() error

	AddContainer(spec ContainerSpec) (model.ContainerID, error)
	DropContainer(id model.ContainerID) error
	ContainerExists(id model.ContainerID) bool
	OpenContainer(id model.ContainerID, policy LockingPolicy, mode model.OpenMode) (ContainerHandle, error)
}

// ContainerHandle is an open container. Every row access goes through the
// handle's locking policy.
type ContainerHandle interface {
	ID() model.ContainerID
	Policy() LockingPolicy

	Metadata() []byte
	SetMetadata(meta []byte) error

	Insert(row model.Row) (int64, error)
	Fetch(recordID int64, forUpdate bool) (model.Row, bool, error)
	Update(recordID int64, row model.Row) (bool, error)
	Delete(recordID int64) (bool, error)

	// RecordIDs lists live records in storage order: record id order for
	// heaps, comparator order for ordered containers.
	RecordIDs() ([]int64, error)
	RowCount() (int64, error)
	// LockForScan takes whatever container lock a full scan needs under the
	// handle's policy.
	LockForScan() error

	Close()
}
