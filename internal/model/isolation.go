package model

import "fmt"

// Granularity is the coarseness of the locks that protect a data access
type Granularity int

const (
	// GranularityRecord locks individual rows
	GranularityRecord Granularity = 6
	// GranularityTable locks whole conglomerates
	GranularityTable Granularity = 7
)

// Valid reports whether g is one of the two supported granularities
func (g Granularity) Valid() bool {
	return g == GranularityRecord || g == GranularityTable
}

func (g Granularity) String() string {
	switch g {
	case GranularityRecord:
		return "record"
	case GranularityTable:
		return "table"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// IsolationLevel is the consistency contract for a transaction's reads
type IsolationLevel int

const (
	IsolationNoLock IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationReadCommittedNoHoldLock
	IsolationRepeatableRead
	IsolationSerializable
)

// NumIsolationLevels is the number of defined isolation levels
const NumIsolationLevels = 6

// IsolationLevels lists every isolation level in ascending strength
var IsolationLevels = []IsolationLevel{
	IsolationNoLock,
	IsolationReadUncommitted,
	IsolationReadCommitted,
	IsolationReadCommittedNoHoldLock,
	IsolationRepeatableRead,
	IsolationSerializable,
}

// Valid reports whether the level is defined
func (i IsolationLevel) Valid() bool {
	return i >= IsolationNoLock && i <= IsolationSerializable
}

// HoldsReadLocks reports whether read locks survive until end of transaction
func (i IsolationLevel) HoldsReadLocks() bool {
	return i >= IsolationRepeatableRead
}

// TakesReadLocks reports whether reads request locks at all
func (i IsolationLevel) TakesReadLocks() bool {
	return i >= IsolationReadCommitted
}

func (i IsolationLevel) String() string {
	switch i {
	case IsolationNoLock:
		return "NOLOCK"
	case IsolationReadUncommitted:
		return "READ_UNCOMMITTED"
	case IsolationReadCommitted:
		return "READ_COMMITTED"
	case IsolationReadCommittedNoHoldLock:
		return "READ_COMMITTED_NOHOLDLOCK"
	case IsolationRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationSerializable:
		return "SERIALIZABLE"
	default:
		return fmt.Sprintf("isolation(%d)", int(i))
	}
}

// OpenMode is a bit set of options for opening a conglomerate or scan
type OpenMode uint32

const (
	OpenModeDefault             OpenMode = 0
	OpenModeForUpdate           OpenMode = 0x00000004
	OpenModeForLockOnly         OpenMode = 0x00000040
	OpenModeLockNoWait          OpenMode = 0x00000080
	OpenModeLockRowNoWait       OpenMode = 0x00008000
	OpenModeUseUpdateLocks      OpenMode = 0x00001000
	OpenModeSecondaryLocked     OpenMode = 0x00002000
	OpenModeBaseRowInsertLocked OpenMode = 0x00004000
)

// ConglomerateOpenModes are the bits accepted by OpenConglomerate
const ConglomerateOpenModes = OpenModeForUpdate | OpenModeForLockOnly | OpenModeLockNoWait |
	OpenModeLockRowNoWait | OpenModeUseUpdateLocks | OpenModeSecondaryLocked | OpenModeBaseRowInsertLocked

// ScanOpenModes are the bits accepted by OpenScan
const ScanOpenModes = OpenModeForUpdate | OpenModeUseUpdateLocks | OpenModeForLockOnly |
	OpenModeLockNoWait | OpenModeLockRowNoWait | OpenModeSecondaryLocked

// Has reports whether every bit of flag is set
func (m OpenMode) Has(flag OpenMode) bool {
	return m&flag == flag
}

// ForUpdate reports whether the open requests write access
func (m OpenMode) ForUpdate() bool {
	return m.Has(OpenModeForUpdate)
}

// NoWait reports whether lock requests must fail instead of waiting
func (m OpenMode) NoWait() bool {
	return m.Has(OpenModeLockNoWait)
}

func (m OpenMode) String() string {
	return fmt.Sprintf("0x%x", uint32(m))
}
