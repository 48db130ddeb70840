package model

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// Value is one column value. Supported dynamic types are nil, bool, int,
// int32, int64, float64, string, []byte and time.Time.
type Value = any

// Row is an ordered set of column values
type Row []Value

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// RowLocation addresses one row inside a container
type RowLocation struct {
	ContainerID ContainerID `json:"container_id"`
	RecordID    int64       `json:"record_id"`
}

func (l RowLocation) String() string {
	return fmt.Sprintf("(%d,%d)", l.ContainerID, l.RecordID)
}

// ColumnOrdering describes the sort order of one key column
type ColumnOrdering struct {
	Column          int  `json:"column"`
	Ascending       bool `json:"ascending"`
	NullsOrderedLow bool `json:"nulls_ordered_low"`
}

// CollationID selects how string columns compare
type CollationID int

const (
	// CollationBasic compares strings by code point
	CollationBasic CollationID = 0
	// CollationTerritory compares strings with the database locale
	CollationTerritory CollationID = 1
)

// SearchOperator positions a scan relative to its start or stop key
type SearchOperator int

const (
	// SearchGE positions on the first row greater than or equal to the key
	SearchGE SearchOperator = 1
	// SearchGT positions on the first row strictly greater than the key
	SearchGT SearchOperator = -1
)

// QualifierOp is the comparison a Qualifier applies
type QualifierOp int

const (
	QualifierEQ QualifierOp = iota
	QualifierLT
	QualifierLE
)

// Qualifier is a single column predicate evaluated against rows during a scan
type Qualifier struct {
	Column       int
	Op           QualifierOp
	Value        Value
	Negate       bool
	OrderedNulls bool
	UnknownRV    bool
}

// QualifierMatrix is a conjunctive normal form predicate. Row 0 is a list of
// predicates that must all hold; every following row is an OR group and at
// least one member of each group must hold.
type QualifierMatrix [][]Qualifier

// ColumnSet is a projection of column positions
type ColumnSet struct {
	bits *roaring.Bitmap
}

// NewColumnSet returns a set containing the given columns
func NewColumnSet(columns ...int) *ColumnSet {
	s := &ColumnSet{bits: roaring.New()}
	for _, c := range columns {
		s.bits.Add(uint32(c))
	}
	return s
}

// Contains reports whether column c is projected. A nil set projects every
// column.
func (s *ColumnSet) Contains(c int) bool {
	if s == nil || s.bits == nil {
		return true
	}
	return s.bits.Contains(uint32(c))
}

// Add adds column c to the set
func (s *ColumnSet) Add(c int) {
	if s.bits == nil {
		s.bits = roaring.New()
	}
	s.bits.Add(uint32(c))
}

// Len returns the number of projected columns
func (s *ColumnSet) Len() int {
	if s == nil || s.bits == nil {
		return 0
	}
	return int(s.bits.GetCardinality())
}

// Columns returns the projected columns in ascending order
func (s *ColumnSet) Columns() []int {
	if s == nil || s.bits == nil {
		return nil
	}
	out := make([]int, 0, s.bits.GetCardinality())
	it := s.bits.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Project copies the projected columns of src into a row of the same width.
// Columns outside the set are left nil.
func (s *ColumnSet) Project(src Row) Row {
	if s == nil || s.bits == nil {
		return src.Clone()
	}
	out := make(Row, len(src))
	for i := range src {
		if s.bits.Contains(uint32(i)) {
			out[i] = src[i]
		}
	}
	return out
}
