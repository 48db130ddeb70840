package service

import (
	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/spi"
	"github.com/devrev/pairdb/store-access/internal/storage/sorter"
)

// PropertySortImplementation selects the sort implementation in a sort's
// properties
const PropertySortImplementation = "derby.access.sort.implementation"

// CreateSort creates a transaction scoped sort and returns its id. Ids of
// dropped sorts are reused, most recently dropped first.
func (t *Transaction) CreateSort(spec spi.SortSpec) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	impl := spec.Properties.GetDefault(PropertySortImplementation, sorter.ImplementationType)
	f, err := t.am.sortFactory(impl)
	if err != nil {
		return 0, err
	}
	s, err := f.CreateSort(t, spec)
	if err != nil {
		return 0, err
	}

	var id int
	if n := len(t.freeSorts); n > 0 {
		id = t.freeSorts[n-1]
		t.freeSorts = t.freeSorts[:n-1]
		t.sorts[id] = s
	} else {
		id = len(t.sorts)
		t.sorts = append(t.sorts, s)
	}
	t.touch()
	t.logger.Debug("Created sort", zap.Int("sort_id", id), zap.String("implementation", impl))
	return id, nil
}

func (t *Transaction) sort(id int) (spi.Sort, error) {
	if id < 0 || id >= len(t.sorts) || t.sorts[id] == nil {
		return nil, accesserrors.NoSuchSort(id)
	}
	return t.sorts[id], nil
}

// DropSort drops a sort and frees its id
func (t *Transaction) DropSort(id int) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	s, err := t.sort(id)
	if err != nil {
		return err
	}
	if err := s.Drop(t); err != nil {
		return err
	}
	t.sorts[id] = nil
	t.freeSorts = append(t.freeSorts, id)
	return nil
}

// OpenSort returns the controller rows are inserted through
func (t *Transaction) OpenSort(id int) (spi.SortController, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	s, err := t.sort(id)
	if err != nil {
		return nil, err
	}
	sc, err := s.Open(t)
	if err != nil {
		return nil, err
	}
	t.sortControllers = append(t.sortControllers, sc)
	t.touch()
	return sc, nil
}

// OpenSortScan returns a scan over the sorted rows
func (t *Transaction) OpenSortScan(id int, hold bool) (spi.ScanController, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	s, err := t.sort(id)
	if err != nil {
		return nil, err
	}
	sm, err := s.OpenSortScan(t, hold)
	if err != nil {
		return nil, err
	}
	t.trackScan(sm)
	return sm, nil
}

// OpenSortRowSource returns the sorted rows as a row source
func (t *Transaction) OpenSortRowSource(id int) (spi.RowSource, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	s, err := t.sort(id)
	if err != nil {
		return nil, err
	}
	return s.OpenSortRowSource(t)
}

// SortCost estimates the cost of sorting rows of rowSize columns with the
// named implementation
func (t *Transaction) SortCost(impl string, rows int64, rowSize int) (float64, error) {
	if impl == "" {
		impl = sorter.ImplementationType
	}
	f, err := t.am.sortFactory(impl)
	if err != nil {
		return 0, err
	}
	return f.EstimateCost(rows, rowSize), nil
}
