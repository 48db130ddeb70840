package model

import (
	"encoding/hex"
	"fmt"
)

// ConglomerateID identifies one table or index. The low 4 bits carry the
// owning factory tag, the rest is a per-database sequence. Negative ids are
// session-scoped temporary conglomerates.
type ConglomerateID int64

// ContainerID identifies a raw store container.
type ContainerID int64

// IsTemporary reports whether the id names a temporary conglomerate
func (id ConglomerateID) IsTemporary() bool {
	return id < 0
}

// String formats the id in hex so the factory tag is readable
func (id ConglomerateID) String() string {
	if id < 0 {
		return fmt.Sprintf("temp(%d)", int64(id))
	}
	return fmt.Sprintf("0x%x", int64(id))
}

// TemporaryFlag controls how a conglomerate is created
type TemporaryFlag uint8

const (
	// TemporaryFlagNone creates a persistent conglomerate
	TemporaryFlagNone TemporaryFlag = 0x00
	// TemporaryFlagTemporary creates a session-scoped conglomerate
	TemporaryFlagTemporary TemporaryFlag = 0x01
	// TemporaryFlagKept keeps a temporary conglomerate until explicitly dropped
	TemporaryFlagKept TemporaryFlag = 0x02
)

// IsTemporary reports whether the flag requests a temporary conglomerate
func (f TemporaryFlag) IsTemporary() bool {
	return f&TemporaryFlagTemporary == TemporaryFlagTemporary
}

// Xid is the XA transaction identifier triplet.
type Xid struct {
	FormatID        int32
	GlobalID        []byte
	BranchQualifier []byte
}

// XA limits on the identifier parts
const (
	MaxGlobalIDSize        = 64
	MaxBranchQualifierSize = 64
)

// Validate checks the XA size limits
func (x Xid) Validate() error {
	if len(x.GlobalID) == 0 {
		return fmt.Errorf("global transaction id is required")
	}
	if len(x.GlobalID) > MaxGlobalIDSize {
		return fmt.Errorf("global transaction id is %d bytes, max %d", len(x.GlobalID), MaxGlobalIDSize)
	}
	if len(x.BranchQualifier) > MaxBranchQualifierSize {
		return fmt.Errorf("branch qualifier is %d bytes, max %d", len(x.BranchQualifier), MaxBranchQualifierSize)
	}
	return nil
}

// Equal compares two identifiers part by part
func (x Xid) Equal(o Xid) bool {
	return x.FormatID == o.FormatID &&
		string(x.GlobalID) == string(o.GlobalID) &&
		string(x.BranchQualifier) == string(o.BranchQualifier)
}

func (x Xid) String() string {
	return fmt.Sprintf("(%d,%s,%s)", x.FormatID, hex.EncodeToString(x.GlobalID), hex.EncodeToString(x.BranchQualifier))
}

// XAVote is the outcome of a successful prepare
type XAVote int

const (
	// XAVoteReadOnly means the branch did no writes and is already complete
	XAVoteReadOnly XAVote = 1
	// XAVoteOK means the branch is prepared and waits for commit or rollback
	XAVoteOK XAVote = 2
)

func (v XAVote) String() string {
	switch v {
	case XAVoteReadOnly:
		return "read_only"
	case XAVoteOK:
		return "ok"
	default:
		return fmt.Sprintf("vote(%d)", int(v))
	}
}

// CommitFlag modifies commitNoSync behaviour
type CommitFlag int

const (
	CommitReleaseLocks                      CommitFlag = 0x1
	CommitKeepLocks                         CommitFlag = 0x2
	CommitReadOnlyTransactionInitialization CommitFlag = 0x4
)

// OpenCount selects which open resources CountOpens reports
type OpenCount int

const (
	OpenConglomerate OpenCount = 0x01
	OpenScan         OpenCount = 0x02
	OpenCreatedSorts OpenCount = 0x03
	OpenSort         OpenCount = 0x04
	OpenTotal        OpenCount = 0x05
)

// TransactionKind distinguishes how a transaction was started
type TransactionKind string

const (
	TransactionKindUser           TransactionKind = "user"
	TransactionKindInternal       TransactionKind = "internal"
	TransactionKindNestedReadOnly TransactionKind = "nested_read_only"
	TransactionKindNestedUpdate   TransactionKind = "nested_update"
	TransactionKindGlobal         TransactionKind = "global"
)

// TransactionState is the lifecycle of one access-layer transaction
type TransactionState string

const (
	TransactionStateIdle      TransactionState = "idle"
	TransactionStateActive    TransactionState = "active"
	TransactionStateCommitted TransactionState = "committed"
	TransactionStateAborted   TransactionState = "aborted"
	TransactionStatePrepared  TransactionState = "prepared"
	TransactionStateDestroyed TransactionState = "destroyed"
)

// TransactionInfo is a snapshot of one raw transaction
type TransactionInfo struct {
	ID        string
	Kind      TransactionKind
	State     TransactionState
	GlobalID  *Xid
	FirstLog  int64
	LockCount int
	Writes    int
}
