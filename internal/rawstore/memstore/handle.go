package memstore

import (
	"fmt"
	"sync"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
)

// handle is an open container. Locks taken under a policy that releases at
// close are remembered in held.
type handle struct {
	t      *txn
	id     model.ContainerID
	policy *lockPolicy
	mode   model.OpenMode

	mu     sync.Mutex
	held   []heldLock
	closed bool
}

var _ rawstore.ContainerHandle = (*handle)(nil)

func (h *handle) ID() model.ContainerID          { return h.id }
func (h *handle) Policy() rawstore.LockingPolicy { return h.policy }

func (h *handle) noWait() bool {
	return h.mode.NoWait() || h.mode.Has(model.OpenModeLockRowNoWait)
}

func (h *handle) checkOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return accesserrors.ControllerClosed(fmt.Sprintf("container %d", h.id))
	}
	return h.t.checkOpen()
}

func (h *handle) checkUpdate(op string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if !h.mode.ForUpdate() {
		return accesserrors.InvalidArgument(fmt.Sprintf("container %d is not open for update", h.id), nil)
	}
	if h.id < 0 {
		return nil
	}
	return h.t.checkWritable(op)
}

func (h *handle) Metadata() []byte {
	s := h.t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[h.id]
	if !ok {
		return nil
	}
	return cloneBytes(c.meta)
}

// SetMetadata replaces the container metadata as a logged change
func (h *handle) SetMetadata(meta []byte) error {
	if err := h.checkUpdate("set container metadata"); err != nil {
		return err
	}
	s := h.t.store
	s.freeze.RLock()
	defer s.freeze.RUnlock()
	s.mu.Lock()
	c, err := s.containerLocked(h.id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	old := c.meta
	c.meta = cloneBytes(meta)
	s.mu.Unlock()

	h.t.logWrite(fmt.Sprintf("set metadata %d", h.id), func() {
		c.meta = old
	})
	return nil
}

// Insert stores a copy of row and returns its record id
func (h *handle) Insert(row model.Row) (int64, error) {
	if err := h.checkUpdate("insert"); err != nil {
		return 0, err
	}
	s := h.t.store
	s.mu.Lock()
	c, err := s.containerLocked(h.id)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	rid := c.allocRID()
	s.mu.Unlock()

	if err := h.policy.lockRecordForWrite(h.t, h.id, rid, h.noWait()); err != nil {
		return 0, err
	}

	s.freeze.RLock()
	defer s.freeze.RUnlock()
	s.mu.Lock()
	c.put(rid, row.Clone())
	s.mu.Unlock()

	h.t.logWrite(fmt.Sprintf("insert %d:%d", h.id, rid), func() {
		c.remove(rid)
	})
	return rid, nil
}

// Fetch returns a copy of the record. Under update locks a read for an
// update-mode handle locks exclusively.
func (h *handle) Fetch(recordID int64, forUpdate bool) (model.Row, bool, error) {
	if err := h.checkOpen(); err != nil {
		return nil, false, err
	}
	if h.mode.ForUpdate() && h.mode.Has(model.OpenModeUseUpdateLocks) {
		forUpdate = true
	}
	held, err := h.policy.lockRecordForRead(h.t, h.id, recordID, forUpdate, h.noWait())
	if err != nil {
		return nil, false, err
	}
	defer h.t.unlock(held)

	s := h.t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.containerLocked(h.id)
	if err != nil {
		return nil, false, err
	}
	row, ok := c.rows[recordID]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

// Update replaces the record, reporting false when it does not exist
func (h *handle) Update(recordID int64, row model.Row) (bool, error) {
	if err := h.checkUpdate("update"); err != nil {
		return false, err
	}
	if err := h.policy.lockRecordForWrite(h.t, h.id, recordID, h.noWait()); err != nil {
		return false, err
	}

	s := h.t.store
	s.freeze.RLock()
	defer s.freeze.RUnlock()
	s.mu.Lock()
	c, err := s.containerLocked(h.id)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	old, ok := c.remove(recordID)
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	c.put(recordID, row.Clone())
	s.mu.Unlock()

	h.t.logWrite(fmt.Sprintf("update %d:%d", h.id, recordID), func() {
		c.remove(recordID)
		c.put(recordID, old)
	})
	return true, nil
}

// Delete removes the record, reporting false when it does not exist
func (h *handle) Delete(recordID int64) (bool, error) {
	if err := h.checkUpdate("delete"); err != nil {
		return false, err
	}
	if err := h.policy.lockRecordForWrite(h.t, h.id, recordID, h.noWait()); err != nil {
		return false, err
	}

	s := h.t.store
	s.freeze.RLock()
	defer s.freeze.RUnlock()
	s.mu.Lock()
	c, err := s.containerLocked(h.id)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	old, ok := c.remove(recordID)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	h.t.logWrite(fmt.Sprintf("delete %d:%d", h.id, recordID), func() {
		c.put(recordID, old)
	})
	return true, nil
}

func (h *handle) RecordIDs() ([]int64, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	s := h.t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.containerLocked(h.id)
	if err != nil {
		return nil, err
	}
	return c.recordIDs(), nil
}

func (h *handle) RowCount() (int64, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	s := h.t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.containerLocked(h.id)
	if err != nil {
		return 0, err
	}
	return int64(len(c.rows)), nil
}

func (h *handle) LockForScan() error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	return h.policy.lockForScan(h.t, h.id, h.noWait())
}

// Close releases locks the policy does not hold to end of transaction
func (h *handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	held := h.held
	h.held = nil
	h.mu.Unlock()

	for i := range held {
		h.t.unlock(&held[i])
	}
}
