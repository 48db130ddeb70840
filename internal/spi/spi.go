// Package spi is the contract between the access manager and the conglomerate
// and sort implementations it routes to.
package spi

import (
	"github.com/google/uuid"

	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
)

// TransactionManager is the access-layer transaction as seen by an
// implementation. Controllers call the CloseMe variants from their Close.
type TransactionManager interface {
	RawTransaction() rawstore.Transaction
	// LockingPolicy returns the raw store policy for an internal open
	LockingPolicy(g model.Granularity, iso model.IsolationLevel) (rawstore.LockingPolicy, error)
	CloseMeController(cc ConglomerateController)
	CloseMeScan(sm ScanManager)
	CloseMeSort(sc SortController)
}

// MethodFactory is implemented by every pluggable access method
type MethodFactory interface {
	PrimaryImplementationType() string
	PrimaryFormat() uuid.UUID
	SupportsImplementation(implementationType string) bool
	SupportsFormat(format uuid.UUID) bool
	DefaultProperties() model.Properties
}

// CreateSpec carries the arguments of a conglomerate creation
type CreateSpec struct {
	ID          model.ConglomerateID
	ContainerID model.ContainerID
	Template    model.Row
	Ordering    []model.ColumnOrdering
	Collations  []model.CollationID
	Properties  model.Properties
	Temporary   model.TemporaryFlag
}

// ConglomerateFactory creates and reads conglomerates of one kind
type ConglomerateFactory interface {
	MethodFactory
	// FactoryID is the tag stored in the low bits of the ids it owns
	FactoryID() int
	CreateConglomerate(tm TransactionManager, spec CreateSpec) (Conglomerate, error)
	ReadConglomerate(tm TransactionManager, id model.ConglomerateID, containerID model.ContainerID) (Conglomerate, error)
}

// OpenSpec carries the resolved arguments of an open
type OpenSpec struct {
	Hold        bool
	Mode        model.OpenMode
	Granularity model.Granularity
	Isolation   model.IsolationLevel
	Policy      rawstore.LockingPolicy
	Static      StaticCompiledInfo
	Dynamic     DynamicCompiledInfo
}

// ScanSpec extends OpenSpec with positioning and filtering
type ScanSpec struct {
	OpenSpec
	Columns    *model.ColumnSet
	StartKey   model.Row
	StartOp    model.SearchOperator
	Qualifiers model.QualifierMatrix
	StopKey    model.Row
	StopOp     model.SearchOperator
}

// StaticCompiledInfo is per-conglomerate information a plan may cache until
// the next DDL on the conglomerate
type StaticCompiledInfo interface {
	ConglomerateID() model.ConglomerateID
}

// DynamicCompiledInfo is per-execution information derived from the
// conglomerate
type DynamicCompiledInfo interface {
	ConglomerateID() model.ConglomerateID
}

// StoreCost is an estimate used by the optimizer
type StoreCost struct {
	RowCount int64
	Ordered  bool
	RowWidth int
}

// Conglomerate is an immutable descriptor of one table or index. Structural
// changes return a new descriptor.
type Conglomerate interface {
	ID() model.ConglomerateID
	ContainerID() model.ContainerID
	ImplementationType() string
	Template() model.Row
	Ordering() []model.ColumnOrdering
	Collations() []model.CollationID
	IsTemporary() bool

	Open(tm TransactionManager, spec OpenSpec) (ConglomerateController, error)
	OpenScan(tm TransactionManager, spec ScanSpec) (ScanManager, error)
	Drop(tm TransactionManager) error
	AddColumn(tm TransactionManager, position int, template model.Value, collation model.CollationID) (Conglomerate, error)
	Load(tm TransactionManager, rows RowSource) (int64, error)

	StaticCompiledInfo(tm TransactionManager) (StaticCompiledInfo, error)
	DynamicCompiledInfo() (DynamicCompiledInfo, error)
	StoreCost(tm TransactionManager) (StoreCost, error)
}

// ConglomerateController gives row access to an open conglomerate
type ConglomerateController interface {
	ConglomerateID() model.ConglomerateID
	Policy() rawstore.LockingPolicy
	IsHeld() bool

	Insert(row model.Row) error
	InsertAndFetchLocation(row model.Row) (model.RowLocation, error)
	Fetch(loc model.RowLocation, columns *model.ColumnSet) (model.Row, bool, error)
	Replace(loc model.RowLocation, row model.Row, columns *model.ColumnSet) (bool, error)
	Delete(loc model.RowLocation) (bool, error)
	RowCount() (int64, error)

	Close() error
	// CloseForEndTransaction closes the controller at commit or abort. A
	// held controller survives unless closeHeld is set. It returns true
	// when the controller was closed.
	CloseForEndTransaction(closeHeld bool) (bool, error)
}

// ScanController iterates the rows of an open scan
type ScanController interface {
	Next() (bool, error)
	Fetch() (model.Row, error)
	CurrentLocation() (model.RowLocation, error)
	Delete() (bool, error)
	Replace(row model.Row, columns *model.ColumnSet) (bool, error)
	Close() error
}

// GroupFetchScanController returns rows in batches
type GroupFetchScanController interface {
	FetchNextGroup(max int) ([]model.Row, []model.RowLocation, error)
	Close() error
}

// ScanManager is the full scan interface the transaction tracks
type ScanManager interface {
	ScanController
	FetchNextGroup(max int) ([]model.Row, []model.RowLocation, error)
	ConglomerateID() model.ConglomerateID
	Policy() rawstore.LockingPolicy
	Granularity() model.Granularity
	IsHeld() bool
	RowsVisited() int64
	CloseForEndTransaction(closeHeld bool) (bool, error)
}

// MaxFetcher is implemented by scans that can return the largest row
type MaxFetcher interface {
	FetchMax() (model.Row, bool, error)
}

// RowSource streams rows into a load or out of a sort
type RowSource interface {
	Next() (model.Row, bool, error)
	Close() error
}

// SortSpec describes a sort to create
type SortSpec struct {
	Template            model.Row
	Ordering            []model.ColumnOrdering
	Collations          []model.CollationID
	AlreadyInOrder      bool
	EliminateDuplicates bool
	EstimatedRows       int64
	EstimatedRowSize    int
	Properties          model.Properties
}

// SortFactory creates sorts
type SortFactory interface {
	MethodFactory
	CreateSort(tm TransactionManager, spec SortSpec) (Sort, error)
	// EstimateCost returns the relative cost of sorting the given input
	EstimateCost(rows int64, rowSize int) float64
}

// Sort is one transaction scoped sort
type Sort interface {
	Open(tm TransactionManager) (SortController, error)
	OpenSortScan(tm TransactionManager, hold bool) (ScanManager, error)
	OpenSortRowSource(tm TransactionManager) (RowSource, error)
	Drop(tm TransactionManager) error
}

// SortController accepts rows into a sort
type SortController interface {
	Insert(row model.Row) error
	CompletedInserts()
	Close() error
}
