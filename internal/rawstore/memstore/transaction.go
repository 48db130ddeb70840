package memstore

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
)

type undoRecord struct {
	desc  string
	apply func()
}

type savepoint struct {
	name string
	pos  int
}

// txn is a raw transaction. Locks are grouped by transaction id; nested
// transactions share their parent's compatibility space so they never block
// on the parent.
type txn struct {
	store  *Store
	id     string
	name   string
	seq    int64
	space  *space
	parent *txn

	flushLogOnEnd bool

	mu         sync.Mutex
	kind       model.TransactionKind
	readOnly   bool
	undo       []undoRecord
	savepoints []savepoint
	writes     int
	firstLog   int64
	xid        *model.Xid
	prepared   bool
	noLockWait bool
	destroyed  bool
}

var _ rawstore.Transaction = (*txn)(nil)

func asTxn(t rawstore.Transaction) (*txn, error) {
	tx, ok := t.(*txn)
	if !ok || tx == nil {
		return nil, accesserrors.InvalidArgument(fmt.Sprintf("transaction %v was not started by this store", t), nil)
	}
	return tx, nil
}

func (t *txn) ID() string   { return t.id }
func (t *txn) Name() string { return t.name }

func (t *txn) Kind() model.TransactionKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

func (t *txn) CompatibilitySpace() rawstore.CompatibilitySpace { return t.space }

func (t *txn) lock(key lockKey, mode lockMode, noWait bool) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return accesserrors.TransactionClosed(t.id)
	}
	noWait = noWait || t.noLockWait
	t.mu.Unlock()
	return t.store.locks.lock(t.space, t.id, key, mode, noWait)
}

func (t *txn) unlock(h *heldLock) {
	if h != nil {
		t.store.locks.unlock(t.space, t.id, h.key, h.mode)
	}
}

// checkWritable gates every logged change
func (t *txn) checkWritable(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.destroyed:
		return accesserrors.TransactionClosed(t.id)
	case t.readOnly || t.store.IsReadOnly():
		return accesserrors.ReadOnly(op)
	case t.prepared:
		return accesserrors.XAProtocol("prepared transaction cannot " + op)
	}
	return nil
}

// logWrite records undo for a change the caller has just applied
func (t *txn) logWrite(desc string, undo func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writes == 0 {
		t.firstLog = t.store.nextInstant()
	}
	t.writes++
	t.undo = append(t.undo, undoRecord{desc: desc, apply: undo})
}

// rollbackTo undoes every change logged after pos, newest first
func (t *txn) rollbackTo(pos int) int {
	t.mu.Lock()
	if pos > len(t.undo) {
		pos = len(t.undo)
	}
	records := t.undo[pos:]
	t.undo = t.undo[:pos]
	t.mu.Unlock()

	if len(records) == 0 {
		return 0
	}
	t.store.mu.Lock()
	for i := len(records) - 1; i >= 0; i-- {
		records[i].apply()
	}
	t.store.mu.Unlock()
	return len(records)
}

func (t *txn) resetLocked() {
	t.undo = nil
	t.savepoints = nil
	t.writes = 0
	t.firstLog = 0
}

func (t *txn) Commit() error {
	return t.CommitNoSync(model.CommitReleaseLocks)
}

// CommitNoSync commits without forcing the log. KeepLocks retains every
// lock past the commit.
func (t *txn) CommitNoSync(flags model.CommitFlag) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return accesserrors.TransactionClosed(t.id)
	}
	if t.prepared {
		t.mu.Unlock()
		return accesserrors.XAProtocol("prepared transaction must end through XA commit or rollback")
	}
	writes := t.writes
	t.resetLocked()
	t.mu.Unlock()

	released := 0
	if flags&model.CommitKeepLocks == 0 {
		released = t.store.locks.unlockGroup(t.id)
	}
	t.store.logger.Debug("Committed raw transaction",
		zap.String("txn_id", t.id),
		zap.Int("writes", writes),
		zap.Int("locks_released", released))
	return nil
}

func (t *txn) Abort() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return accesserrors.TransactionClosed(t.id)
	}
	t.mu.Unlock()
	return t.abort()
}

func (t *txn) abort() error {
	undone := t.rollbackTo(0)

	t.mu.Lock()
	t.resetLocked()
	t.prepared = false
	t.mu.Unlock()

	released := t.store.locks.unlockGroup(t.id)
	t.store.logger.Debug("Aborted raw transaction",
		zap.String("txn_id", t.id),
		zap.Int("undone", undone),
		zap.Int("locks_released", released))
	return nil
}

// Destroy aborts any outstanding work and retires the transaction
func (t *txn) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.abort(); err != nil {
		return err
	}
	t.mu.Lock()
	t.destroyed = true
	t.mu.Unlock()
	t.store.forget(t)
	return nil
}

func (t *txn) findSavepointLocked(name string) int {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// SetSavePoint returns the savepoint depth after the set
func (t *txn) SetSavePoint(name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return 0, accesserrors.TransactionClosed(t.id)
	}
	if name == "" {
		return 0, accesserrors.InvalidArgument("savepoint name must not be empty", nil)
	}
	if t.findSavepointLocked(name) >= 0 {
		return 0, accesserrors.InvalidArgument(fmt.Sprintf("savepoint %q already exists", name), nil)
	}
	t.savepoints = append(t.savepoints, savepoint{name: name, pos: len(t.undo)})
	return len(t.savepoints), nil
}

// ReleaseSavePoint drops the savepoint and every later one
func (t *txn) ReleaseSavePoint(name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findSavepointLocked(name)
	if idx < 0 {
		return 0, accesserrors.NewAccessError(accesserrors.ErrCodeSavepointNotFound,
			fmt.Sprintf("savepoint %q not found", name), nil)
	}
	t.savepoints = t.savepoints[:idx]
	return len(t.savepoints), nil
}

// RollbackToSavePoint undoes changes made after the savepoint and drops
// every later savepoint. The named savepoint stays set.
func (t *txn) RollbackToSavePoint(name string) (int, error) {
	t.mu.Lock()
	idx := t.findSavepointLocked(name)
	if idx < 0 {
		t.mu.Unlock()
		return 0, accesserrors.NewAccessError(accesserrors.ErrCodeSavepointNotFound,
			fmt.Sprintf("savepoint %q not found", name), nil)
	}
	pos := t.savepoints[idx].pos
	t.savepoints = t.savepoints[:idx+1]
	depth := len(t.savepoints)
	t.mu.Unlock()

	t.rollbackTo(pos)
	return depth, nil
}

// IsIdle reports whether the transaction holds no locks and has no
// outstanding work
func (t *txn) IsIdle() bool {
	t.mu.Lock()
	busy := t.writes > 0 || t.prepared
	t.mu.Unlock()
	return !busy && t.store.locks.count(t.id) == 0
}

func (t *txn) IsPristine() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes == 0
}

func (t *txn) SetNoLockWait(noWait bool) {
	t.mu.Lock()
	t.noLockWait = noWait
	t.mu.Unlock()
}

func (t *txn) ActiveStateTxIDString() string { return t.id }

func (t *txn) Info() model.TransactionInfo {
	t.mu.Lock()
	info := model.TransactionInfo{
		ID:       t.id,
		Kind:     t.kind,
		State:    t.stateLocked(),
		FirstLog: t.firstLog,
		Writes:   t.writes,
	}
	if t.xid != nil {
		x := *t.xid
		info.GlobalID = &x
	}
	t.mu.Unlock()
	info.LockCount = t.store.locks.count(t.id)
	return info
}

func (t *txn) stateLocked() model.TransactionState {
	switch {
	case t.destroyed:
		return model.TransactionStateDestroyed
	case t.prepared:
		return model.TransactionStatePrepared
	case t.writes > 0:
		return model.TransactionStateActive
	default:
		return model.TransactionStateIdle
	}
}

func (t *txn) GlobalID() *model.Xid {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.xid == nil {
		return nil
	}
	x := *t.xid
	return &x
}

// CreateXATransactionFromLocal turns a local user transaction into an XA
// branch, keeping its work and locks
func (t *txn) CreateXATransactionFromLocal(xid model.Xid) error {
	if err := xid.Validate(); err != nil {
		return accesserrors.InvalidArgument("invalid xid", err)
	}
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return accesserrors.TransactionClosed(t.id)
	}
	if t.xid != nil || t.kind != model.TransactionKindUser {
		t.mu.Unlock()
		return accesserrors.XAProtocol(fmt.Sprintf("%s transaction cannot become a global transaction", t.kind))
	}
	t.mu.Unlock()

	if err := t.store.registerGlobal(xid, t); err != nil {
		return err
	}
	t.mu.Lock()
	x := xid
	t.xid = &x
	t.kind = model.TransactionKindGlobal
	t.mu.Unlock()
	return nil
}

// XAPrepare votes read-only for a branch without writes and completes it;
// otherwise the branch is prepared and keeps its locks.
func (t *txn) XAPrepare() (model.XAVote, error) {
	t.mu.Lock()
	if t.xid == nil {
		t.mu.Unlock()
		return 0, accesserrors.XAProtocol("prepare on a local transaction")
	}
	if t.prepared {
		t.mu.Unlock()
		return 0, accesserrors.XAProtocol("transaction " + t.xid.String() + " is already prepared")
	}
	if t.writes > 0 {
		t.prepared = true
		t.mu.Unlock()
		return model.XAVoteOK, nil
	}
	xid := *t.xid
	t.xid = nil
	t.kind = model.TransactionKindUser
	t.mu.Unlock()

	t.store.unregisterGlobal(xid)
	if err := t.CommitNoSync(model.CommitReleaseLocks); err != nil {
		return 0, err
	}
	return model.XAVoteReadOnly, nil
}

// XACommit commits a prepared branch, or an unprepared one in one phase
func (t *txn) XACommit(onePhase bool) error {
	t.mu.Lock()
	if t.xid == nil {
		t.mu.Unlock()
		return accesserrors.XAProtocol("commit on a local transaction")
	}
	if onePhase && t.prepared {
		t.mu.Unlock()
		return accesserrors.XAProtocol("one phase commit of prepared transaction " + t.xid.String())
	}
	if !onePhase && !t.prepared {
		t.mu.Unlock()
		return accesserrors.XAProtocol("two phase commit of unprepared transaction " + t.xid.String())
	}
	xid := *t.xid
	t.prepared = false
	t.xid = nil
	t.kind = model.TransactionKindUser
	t.mu.Unlock()

	t.store.unregisterGlobal(xid)
	return t.CommitNoSync(model.CommitReleaseLocks)
}

func (t *txn) XARollback() error {
	t.mu.Lock()
	if t.xid == nil {
		t.mu.Unlock()
		return accesserrors.XAProtocol("rollback on a local transaction")
	}
	xid := *t.xid
	t.xid = nil
	t.kind = model.TransactionKindUser
	t.mu.Unlock()

	t.store.unregisterGlobal(xid)
	return t.abort()
}

// AddContainer creates a container. Temporary containers may leave the id
// zero and receive a negative id from the store.
func (t *txn) AddContainer(spec rawstore.ContainerSpec) (model.ContainerID, error) {
	if spec.Temporary {
		if err := t.checkOpen(); err != nil {
			return 0, err
		}
	} else if err := t.checkWritable("create container"); err != nil {
		return 0, err
	}

	s := t.store
	id := spec.ID
	if id == 0 {
		if !spec.Temporary {
			return 0, accesserrors.InvalidArgument("persistent containers need an explicit id", nil)
		}
		s.mu.Lock()
		s.nextTemp--
		id = s.nextTemp
		s.mu.Unlock()
	}

	if err := t.lock(lockKey{container: id, record: containerLock}, lockX, true); err != nil {
		return 0, err
	}

	s.freeze.RLock()
	defer s.freeze.RUnlock()
	s.mu.Lock()
	if _, ok := s.containers[id]; ok {
		s.mu.Unlock()
		return 0, accesserrors.ConglomerateIDExists(int64(id))
	}
	c, err := newContainer(id, spec)
	if err != nil {
		s.mu.Unlock()
		return 0, accesserrors.InvalidArgument("invalid container spec", err)
	}
	s.containers[id] = c
	s.mu.Unlock()

	t.logWrite(fmt.Sprintf("create container %d", id), func() {
		delete(s.containers, id)
	})
	return id, nil
}

// DropContainer removes a container under an exclusive container lock
func (t *txn) DropContainer(id model.ContainerID) error {
	if id < 0 {
		if err := t.checkOpen(); err != nil {
			return err
		}
	} else if err := t.checkWritable("drop container"); err != nil {
		return err
	}
	if err := t.lock(lockKey{container: id, record: containerLock}, lockX, false); err != nil {
		return err
	}

	s := t.store
	s.freeze.RLock()
	defer s.freeze.RUnlock()
	s.mu.Lock()
	c, err := s.containerLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.containers, id)
	s.mu.Unlock()

	t.logWrite(fmt.Sprintf("drop container %d", id), func() {
		s.containers[id] = c
	})
	return nil
}

func (t *txn) ContainerExists(id model.ContainerID) bool {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.containers[id]
	return ok
}

// OpenContainer locks the container under the policy and returns a handle
func (t *txn) OpenContainer(id model.ContainerID, policy rawstore.LockingPolicy, mode model.OpenMode) (rawstore.ContainerHandle, error) {
	lp, err := asPolicy(policy)
	if err != nil {
		return nil, err
	}
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if mode.ForUpdate() && id >= 0 {
		if err := t.checkWritable("open container for update"); err != nil {
			return nil, err
		}
	}
	if !t.ContainerExists(id) {
		return nil, accesserrors.ConglomerateDoesNotExist(int64(id)).WithDetail("container_id", int64(id))
	}

	held, err := lp.lockContainer(t, id, mode.ForUpdate(), mode.NoWait())
	if err != nil {
		return nil, err
	}
	if !t.ContainerExists(id) {
		t.unlock(held)
		return nil, accesserrors.ConglomerateDoesNotExist(int64(id)).WithDetail("container_id", int64(id))
	}

	h := &handle{
		t:      t,
		id:     id,
		policy: lp,
		mode:   mode,
	}
	if held != nil {
		h.held = append(h.held, *held)
	}
	return h, nil
}

func (t *txn) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return accesserrors.TransactionClosed(t.id)
	}
	return nil
}
