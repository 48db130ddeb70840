// Package storagetest provides a transaction manager over the in-memory raw
// store for access method tests.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/rawstore/memstore"
	"github.com/devrev/pairdb/store-access/internal/spi"
)

// TM is a minimal spi.TransactionManager that counts CloseMe callbacks
type TM struct {
	Store *memstore.Store
	Raw   rawstore.Transaction

	mu                sync.Mutex
	ClosedControllers int
	ClosedScans       int
	ClosedSorts       int
}

var _ spi.TransactionManager = (*TM)(nil)

// NewStore boots an in-memory store with short lock timeouts
func NewStore(t *testing.T) *memstore.Store {
	t.Helper()
	cfg := memstore.DefaultConfig()
	cfg.DeadlockTimeout = 20 * time.Millisecond
	cfg.LockWaitTimeout = 100 * time.Millisecond
	cfg.DiskCheck = func(string, uint64) error { return nil }
	s := memstore.New(cfg, nil, nil)
	require.NoError(t, s.Boot(context.Background(), true, nil))
	return s
}

// NewTM starts a user transaction on store
func NewTM(t *testing.T, store *memstore.Store) *TM {
	t.Helper()
	raw, err := store.StartTransaction("test")
	require.NoError(t, err)
	return &TM{Store: store, Raw: raw}
}

func (m *TM) RawTransaction() rawstore.Transaction { return m.Raw }

func (m *TM) LockingPolicy(g model.Granularity, iso model.IsolationLevel) (rawstore.LockingPolicy, error) {
	return m.Store.NewLockingPolicy(g, iso, true)
}

func (m *TM) CloseMeController(spi.ConglomerateController) {
	m.mu.Lock()
	m.ClosedControllers++
	m.mu.Unlock()
}

func (m *TM) CloseMeScan(spi.ScanManager) {
	m.mu.Lock()
	m.ClosedScans++
	m.mu.Unlock()
}

func (m *TM) CloseMeSort(spi.SortController) {
	m.mu.Lock()
	m.ClosedSorts++
	m.mu.Unlock()
}

// OpenSpec returns an open spec with a record level policy at iso
func (m *TM) OpenSpec(t *testing.T, mode model.OpenMode, iso model.IsolationLevel) spi.OpenSpec {
	t.Helper()
	p, err := m.LockingPolicy(model.GranularityRecord, iso)
	require.NoError(t, err)
	return spi.OpenSpec{Mode: mode, Granularity: model.GranularityRecord, Isolation: iso, Policy: p}
}

// SliceSource is a RowSource over a slice
type SliceSource struct {
	Rows   []model.Row
	pos    int
	Closed bool
}

func (s *SliceSource) Next() (model.Row, bool, error) {
	if s.pos >= len(s.Rows) {
		return nil, false, nil
	}
	r := s.Rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *SliceSource) Close() error {
	s.Closed = true
	return nil
}
