// Package sorter is the transaction scoped sort. Rows are collected in
// memory, ordered by the sort's column ordering at CompletedInserts and read
// back through a scan or a row source.
package sorter

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/spi"
	"github.com/devrev/pairdb/store-access/internal/storage/rowcodec"
)

// ImplementationType is the name the sort registers under
const ImplementationType = "sort external"

// Format identifies the sort implementation
var Format = uuid.MustParse("8e0a8f4a-7bcf-4c5f-bd7e-1d2c1b7a0f52")

// Factory creates sorts
type Factory struct {
	cmp    *rowcodec.Comparator
	logger *zap.Logger
}

var _ spi.SortFactory = (*Factory)(nil)

// NewFactory returns a sort factory comparing strings with cmp
func NewFactory(cmp *rowcodec.Comparator, logger *zap.Logger) *Factory {
	if cmp == nil {
		cmp = rowcodec.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cmp: cmp, logger: logger}
}

// NewLoader returns a loader that boots a factory on first use
func NewLoader(cmp *rowcodec.Comparator, logger *zap.Logger) func(model.Properties) (spi.MethodFactory, error) {
	return func(model.Properties) (spi.MethodFactory, error) {
		return NewFactory(cmp, logger), nil
	}
}

func (f *Factory) PrimaryImplementationType() string { return ImplementationType }
func (f *Factory) PrimaryFormat() uuid.UUID          { return Format }

func (f *Factory) SupportsImplementation(impl string) bool {
	return impl == ImplementationType
}

func (f *Factory) SupportsFormat(format uuid.UUID) bool {
	return format == Format
}

func (f *Factory) DefaultProperties() model.Properties {
	return model.Properties{}
}

// EstimateCost is n log n comparisons weighted by row width
func (f *Factory) EstimateCost(rows int64, rowSize int) float64 {
	if rows <= 1 {
		return 1
	}
	n := float64(rows)
	return n * math.Log2(n) * (1 + float64(rowSize)/100)
}

// CreateSort returns an empty sort
func (f *Factory) CreateSort(tm spi.TransactionManager, spec spi.SortSpec) (spi.Sort, error) {
	types, err := rowcodec.TypesOf(spec.Template)
	if err != nil {
		return nil, accesserrors.InvalidArgument("invalid sort template", err)
	}
	for _, o := range spec.Ordering {
		if o.Column < 0 || o.Column >= len(types) {
			return nil, accesserrors.InvalidArgument(
				fmt.Sprintf("ordering column %d outside %d columns", o.Column, len(types)), nil)
		}
	}
	capacity := spec.EstimatedRows
	if capacity < 0 || capacity > 1<<16 {
		capacity = 0
	}
	return &Sort{
		factory: f,
		spec:    spec,
		types:   types,
		rows:    make([]model.Row, 0, capacity),
	}, nil
}

// Sort holds the rows of one sort
type Sort struct {
	factory *Factory
	spec    spi.SortSpec
	types   []rowcodec.ColumnType

	mu        sync.Mutex
	rows      []model.Row
	completed bool
	dropped   bool
}

var _ spi.Sort = (*Sort)(nil)

func (s *Sort) checkLocked() error {
	if s.dropped {
		return accesserrors.ControllerClosed("dropped sort")
	}
	return nil
}

// Open returns the controller rows are inserted through
func (s *Sort) Open(tm spi.TransactionManager) (spi.SortController, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if s.completed {
		return nil, accesserrors.InvalidArgument("sort inserts are already complete", nil)
	}
	return &controller{tm: tm, sort: s}, nil
}

func (s *Sort) insert(row model.Row) error {
	if err := rowcodec.Conforms(row, s.types); err != nil {
		return accesserrors.InvalidArgument("row does not match sort template", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if s.completed {
		return accesserrors.InvalidArgument("sort inserts are already complete", nil)
	}
	s.rows = append(s.rows, rowcodec.NormalizeRow(row))
	return nil
}

func (s *Sort) compare(a, b model.Row) int {
	return s.factory.cmp.CompareRows(a, b, s.spec.Ordering, s.spec.Collations)
}

// complete orders the rows and drops duplicates when asked
func (s *Sort) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.completed = true
	if !s.spec.AlreadyInOrder {
		slices.SortStableFunc(s.rows, s.compare)
	}
	if s.spec.EliminateDuplicates {
		s.rows = slices.CompactFunc(s.rows, func(a, b model.Row) bool { return s.compare(a, b) == 0 })
	}
	s.factory.logger.Debug("Sort completed",
		zap.Int("rows", len(s.rows)),
		zap.Bool("eliminate_duplicates", s.spec.EliminateDuplicates))
}

func (s *Sort) sorted() ([]model.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if !s.completed {
		return nil, accesserrors.InvalidArgument("sort is still accepting inserts", nil)
	}
	return s.rows, nil
}

// OpenSortScan returns a scan over the sorted rows
func (s *Sort) OpenSortScan(tm spi.TransactionManager, hold bool) (spi.ScanManager, error) {
	rows, err := s.sorted()
	if err != nil {
		return nil, err
	}
	return &scan{tm: tm, rows: rows, hold: hold, pos: -1}, nil
}

// OpenSortRowSource returns the sorted rows as a row source
func (s *Sort) OpenSortRowSource(tm spi.TransactionManager) (spi.RowSource, error) {
	rows, err := s.sorted()
	if err != nil {
		return nil, err
	}
	return &rowSource{rows: rows}, nil
}

// Drop releases the rows
func (s *Sort) Drop(tm spi.TransactionManager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = true
	s.rows = nil
	return nil
}

type controller struct {
	tm     spi.TransactionManager
	sort   *Sort
	closed bool
}

func (c *controller) Insert(row model.Row) error {
	if c.closed {
		return accesserrors.ControllerClosed("sort controller")
	}
	return c.sort.insert(row)
}

func (c *controller) CompletedInserts() {
	c.sort.complete()
}

// Close completes the inserts
func (c *controller) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.sort.complete()
	c.tm.CloseMeSort(c)
	return nil
}

type rowSource struct {
	rows []model.Row
	pos  int
}

func (r *rowSource) Next() (model.Row, bool, error) {
	if r.pos >= len(r.rows) {
		return nil, false, nil
	}
	row := r.rows[r.pos].Clone()
	r.pos++
	return row, true, nil
}

func (r *rowSource) Close() error {
	r.pos = len(r.rows)
	return nil
}

// scan reads sorted rows. Sort rows have no row locations.
type scan struct {
	tm      spi.TransactionManager
	rows    []model.Row
	pos     int
	hold    bool
	visited int64
	closed  bool
}

var _ spi.ScanManager = (*scan)(nil)

func (s *scan) check() error {
	if s.closed {
		return accesserrors.ControllerClosed("sort scan")
	}
	return nil
}

func (s *scan) Next() (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if s.pos+1 >= len(s.rows) {
		s.pos = len(s.rows)
		return false, nil
	}
	s.pos++
	s.visited++
	return true, nil
}

func (s *scan) Fetch() (model.Row, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.pos < 0 || s.pos >= len(s.rows) {
		return nil, accesserrors.InvalidArgument("sort scan is not positioned on a row", nil)
	}
	return s.rows[s.pos].Clone(), nil
}

func (s *scan) CurrentLocation() (model.RowLocation, error) {
	return model.RowLocation{}, accesserrors.InvalidArgument("sort rows have no location", nil)
}

func (s *scan) Delete() (bool, error) {
	return false, accesserrors.InvalidArgument("sort scans are read only", nil)
}

func (s *scan) Replace(model.Row, *model.ColumnSet) (bool, error) {
	return false, accesserrors.InvalidArgument("sort scans are read only", nil)
}

func (s *scan) FetchNextGroup(max int) ([]model.Row, []model.RowLocation, error) {
	if max <= 0 {
		return nil, nil, accesserrors.InvalidArgument("group size must be positive", nil)
	}
	var out []model.Row
	for len(out) < max {
		ok, err := s.Next()
		if err != nil || !ok {
			return out, nil, err
		}
		row, err := s.Fetch()
		if err != nil {
			return out, nil, err
		}
		out = append(out, row)
	}
	return out, nil, nil
}

func (s *scan) ConglomerateID() model.ConglomerateID { return 0 }
func (s *scan) Policy() rawstore.LockingPolicy       { return nil }
func (s *scan) Granularity() model.Granularity       { return model.GranularityTable }
func (s *scan) IsHeld() bool                         { return s.hold }
func (s *scan) RowsVisited() int64                   { return s.visited }

func (s *scan) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.tm.CloseMeScan(s)
	return nil
}

func (s *scan) CloseForEndTransaction(closeHeld bool) (bool, error) {
	if s.hold && !closeHeld {
		return false, nil
	}
	return true, s.Close()
}
