package generic

import (
	"fmt"
	"sync"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/spi"
)

// Scan walks a container in storage order. The set of record ids is taken
// at the first Next; each row is then fetched, and locked, as the scan
// reaches it, so rows deleted meanwhile are skipped.
type Scan struct {
	tm   spi.TransactionManager
	base *Base
	h    rawstore.ContainerHandle
	spec spi.ScanSpec

	mu      sync.Mutex
	rids    []int64
	pos     int
	started bool
	done    bool
	current model.Row
	rid     int64
	onRow   bool
	visited int64
	closed  bool
}

var (
	_ spi.ScanManager    = (*Scan)(nil)
	_ spi.MaxFetcher     = (*Scan)(nil)
	_ spi.ScanController = (*Scan)(nil)
)

// NewScan wraps an open container handle
func NewScan(tm spi.TransactionManager, base *Base, h rawstore.ContainerHandle, spec spi.ScanSpec) *Scan {
	return &Scan{tm: tm, base: base, h: h, spec: spec}
}

func (s *Scan) ConglomerateID() model.ConglomerateID { return s.base.ID() }
func (s *Scan) Policy() rawstore.LockingPolicy       { return s.h.Policy() }
func (s *Scan) Granularity() model.Granularity       { return s.h.Policy().Granularity() }
func (s *Scan) IsHeld() bool                         { return s.spec.Hold }

func (s *Scan) RowsVisited() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visited
}

func (s *Scan) checkOpenLocked() error {
	if s.closed {
		return accesserrors.ControllerClosed(fmt.Sprintf("scan on conglomerate %d", s.base.ID()))
	}
	return nil
}

func (s *Scan) startLocked() error {
	if s.started {
		return nil
	}
	if err := s.h.LockForScan(); err != nil {
		return err
	}
	rids, err := s.h.RecordIDs()
	if err != nil {
		return err
	}
	s.rids = rids
	s.started = true
	return nil
}

// beforeStart reports whether row lies before the start key
func (s *Scan) beforeStart(row model.Row) bool {
	if s.spec.StartKey == nil {
		return false
	}
	c := s.base.cmp.ComparePrefix(row, s.spec.StartKey, s.base.desc.Ordering, s.base.desc.Collations)
	if s.spec.StartOp == model.SearchGT {
		return c <= 0
	}
	return c < 0
}

// pastStop reports whether row lies beyond the stop key. GE stops at the
// first row at or after the key, GT at the first row after it.
func (s *Scan) pastStop(row model.Row) bool {
	if s.spec.StopKey == nil {
		return false
	}
	c := s.base.cmp.ComparePrefix(row, s.spec.StopKey, s.base.desc.Ordering, s.base.desc.Collations)
	if s.spec.StopOp == model.SearchGT {
		return c > 0
	}
	return c >= 0
}

func (s *Scan) qualifies(row model.Row) bool {
	if len(s.spec.Qualifiers) == 0 {
		return true
	}
	return s.base.cmp.Qualifies(row, s.spec.Qualifiers, s.base.desc.Collations)
}

// Next moves to the next qualifying row
func (s *Scan) Next() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return false, err
	}
	if err := s.startLocked(); err != nil {
		return false, err
	}
	s.onRow = false
	for !s.done && s.pos < len(s.rids) {
		rid := s.rids[s.pos]
		s.pos++
		row, ok, err := s.h.Fetch(rid, false)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		s.visited++
		row = s.base.Widen(row)
		if s.beforeStart(row) {
			continue
		}
		if s.pastStop(row) {
			s.done = true
			break
		}
		if !s.qualifies(row) {
			continue
		}
		s.current, s.rid, s.onRow = row, rid, true
		return true, nil
	}
	s.done = true
	return false, nil
}

func (s *Scan) positionedLocked() error {
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if !s.onRow {
		return accesserrors.InvalidArgument(fmt.Sprintf("scan on conglomerate %d is not positioned on a row", s.base.ID()), nil)
	}
	return nil
}

// Fetch returns the projected current row
func (s *Scan) Fetch() (model.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.positionedLocked(); err != nil {
		return nil, err
	}
	return s.spec.Columns.Project(s.current), nil
}

func (s *Scan) CurrentLocation() (model.RowLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.positionedLocked(); err != nil {
		return model.RowLocation{}, err
	}
	return model.RowLocation{ContainerID: s.base.ContainerID(), RecordID: s.rid}, nil
}

// Delete removes the current row. The scan stays on it until Next.
func (s *Scan) Delete() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.positionedLocked(); err != nil {
		return false, err
	}
	return s.h.Delete(s.rid)
}

func (s *Scan) Replace(row model.Row, columns *model.ColumnSet) (bool, error) {
	if !s.base.caps.Locations {
		return false, accesserrors.InvalidArgument(
			fmt.Sprintf("%s scans do not support Replace", s.base.ImplementationType()), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.positionedLocked(); err != nil {
		return false, err
	}
	return replace(s.base, s.h, s.rid, row, columns)
}

// FetchNextGroup returns up to max qualifying rows and their locations
func (s *Scan) FetchNextGroup(max int) ([]model.Row, []model.RowLocation, error) {
	if max <= 0 {
		return nil, nil, accesserrors.InvalidArgument("group size must be positive", nil)
	}
	var rows []model.Row
	var locs []model.RowLocation
	for len(rows) < max {
		ok, err := s.Next()
		if err != nil {
			return rows, locs, err
		}
		if !ok {
			break
		}
		row, err := s.Fetch()
		if err != nil {
			return rows, locs, err
		}
		loc, err := s.CurrentLocation()
		if err != nil {
			return rows, locs, err
		}
		rows = append(rows, row)
		locs = append(locs, loc)
	}
	return rows, locs, nil
}

// FetchMax returns the last qualifying row inside the scan range
func (s *Scan) FetchMax() (model.Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return nil, false, err
	}
	if !s.base.caps.Ordered {
		return nil, false, accesserrors.InvalidArgument(
			fmt.Sprintf("%s conglomerate %d is not ordered", s.base.ImplementationType(), s.base.ID()), nil)
	}
	if err := s.startLocked(); err != nil {
		return nil, false, err
	}
	for i := len(s.rids) - 1; i >= 0; i-- {
		row, ok, err := s.h.Fetch(s.rids[i], false)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		s.visited++
		row = s.base.Widen(row)
		if s.pastStop(row) {
			continue
		}
		if s.beforeStart(row) {
			break
		}
		if s.qualifies(row) {
			return s.spec.Columns.Project(row), true, nil
		}
	}
	return nil, false, nil
}

func (s *Scan) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.h.Close()
	s.tm.CloseMeScan(s)
	return nil
}

func (s *Scan) CloseForEndTransaction(closeHeld bool) (bool, error) {
	if s.spec.Hold && !closeHeld {
		return false, nil
	}
	return true, s.Close()
}
