package cache

import (
	"sync/atomic"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/spi"
)

type entryState int32

const (
	stateNoIdentity entryState = iota
	stateSettingIdentity
	stateHasIdentity
	stateCleaning
)

func (s entryState) String() string {
	switch s {
	case stateNoIdentity:
		return "no_identity"
	case stateSettingIdentity:
		return "setting_identity"
	case stateHasIdentity:
		return "has_identity"
	case stateCleaning:
		return "cleaning"
	default:
		return "unknown"
	}
}

// entry wraps one conglomerate descriptor. Identity transitions are driven
// only by ConglomerateCache under its mutex. isDirty and clean may be called
// from any goroutine.
type entry struct {
	state   atomic.Int32
	dirty   atomic.Bool
	id      model.ConglomerateID
	conglom spi.Conglomerate

	keep     int
	detached bool
	ready    chan struct{}
}

func (e *entry) getState() entryState {
	return entryState(e.state.Load())
}

// beginIdentity starts a read-through for id
func (e *entry) beginIdentity(id model.ConglomerateID) {
	accesserrors.Assert(e.getState() == stateNoIdentity, "begin identity on entry in state %s", e.getState())
	e.id = id
	e.ready = make(chan struct{})
	e.state.Store(int32(stateSettingIdentity))
}

// setIdentity completes a read-through with the descriptor read from disk
func (e *entry) setIdentity(c spi.Conglomerate) {
	accesserrors.Assert(e.getState() == stateSettingIdentity, "set identity on entry in state %s", e.getState())
	accesserrors.Assert(c.ID() == e.id, "descriptor %s installed under %s", c.ID(), e.id)
	e.conglom = c
	e.dirty.Store(false)
	e.state.Store(int32(stateHasIdentity))
	close(e.ready)
}

// abandonIdentity unwinds a failed read-through
func (e *entry) abandonIdentity() {
	accesserrors.Assert(e.getState() == stateSettingIdentity, "abandon identity on entry in state %s", e.getState())
	e.state.Store(int32(stateNoIdentity))
	close(e.ready)
	e.reset()
}

// createIdentity installs a descriptor that was just created
func (e *entry) createIdentity(id model.ConglomerateID, c spi.Conglomerate) {
	accesserrors.Assert(e.getState() == stateNoIdentity, "create identity on entry in state %s", e.getState())
	accesserrors.Assert(c.ID() == id, "descriptor %s created under %s", c.ID(), id)
	e.id = id
	e.conglom = c
	e.dirty.Store(true)
	e.state.Store(int32(stateHasIdentity))
}

// clearIdentity returns the entry to the no-identity state
func (e *entry) clearIdentity() {
	st := e.getState()
	accesserrors.Assert(st == stateHasIdentity || st == stateCleaning, "clear identity on entry in state %s", st)
	accesserrors.Assert(e.keep == 0, "clear identity on entry %s kept %d times", e.id, e.keep)
	e.state.Store(int32(stateNoIdentity))
	e.reset()
}

func (e *entry) reset() {
	e.id = 0
	e.conglom = nil
	e.keep = 0
	e.detached = false
	e.ready = nil
	e.dirty.Store(false)
}

// isDirty reports whether the descriptor was installed since the last clean
func (e *entry) isDirty() bool {
	return e.dirty.Load()
}

// clean marks the descriptor clean. Descriptors are persisted by their
// factory when created, so cleaning writes nothing.
func (e *entry) clean() {
	if !e.state.CompareAndSwap(int32(stateHasIdentity), int32(stateCleaning)) {
		return
	}
	e.dirty.Store(false)
	e.state.CompareAndSwap(int32(stateCleaning), int32(stateHasIdentity))
}

// identity returns the id while the entry has one
func (e *entry) identity() (model.ConglomerateID, bool) {
	switch e.getState() {
	case stateHasIdentity, stateCleaning:
		return e.id, true
	default:
		return 0, false
	}
}
