package service

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/spi"
)

// droppedTemp remembers a temporary conglomerate dropped by this
// transaction so an abort can restore it to the slot that owned it
type droppedTemp struct {
	owner   int
	conglom spi.Conglomerate
}

// Transaction is the access layer transaction. It tracks every open
// controller, scan, sort and sort controller so that commit, abort and
// savepoint rollback can release or keep them, and it owns the temporary
// conglomerates it created. A transaction is used by one goroutine at a
// time.
type Transaction struct {
	am      *AccessManager
	session *Session
	slot    int
	parent  int
	raw     rawstore.Transaction
	logger  *zap.Logger

	state     model.TransactionState
	destroyed bool

	controllers     []spi.ConglomerateController
	scans           []spi.ScanManager
	sorts           []spi.Sort
	freeSorts       []int
	sortControllers []spi.SortController

	temp        map[model.ConglomerateID]spi.Conglomerate
	created     []model.ConglomerateID
	droppedTemp map[model.ConglomerateID]droppedTemp

	// alterTableCalled forces a full cache invalidation on abort
	alterTableCalled bool
	postCommit       []postCommitTask
}

var _ spi.TransactionManager = (*Transaction)(nil)

func newTransaction(s *Session, slot, parent int, raw rawstore.Transaction) *Transaction {
	return &Transaction{
		am:          s.am,
		session:     s,
		slot:        slot,
		parent:      parent,
		raw:         raw,
		logger:      s.logger.With(zap.String("txn_id", raw.ID())),
		state:       model.TransactionStateIdle,
		temp:        make(map[model.ConglomerateID]spi.Conglomerate),
		droppedTemp: make(map[model.ConglomerateID]droppedTemp),
	}
}

func (t *Transaction) checkOpen() error {
	if t.destroyed {
		return accesserrors.TransactionClosed(t.raw.ID())
	}
	return nil
}

// touch moves the transaction to Active on its first access after it was
// started or ended
func (t *Transaction) touch() {
	t.state = model.TransactionStateActive
}

// parentTxn returns the parent of a nested transaction, looked up in the
// session arena
func (t *Transaction) parentTxn() *Transaction {
	if t.parent == noSlot {
		return nil
	}
	return t.session.transaction(t.parent)
}

// liveChild returns the nested child of a user transaction while the child
// has work in flight
func (t *Transaction) liveChild() *Transaction {
	if t.slot != t.session.user {
		return nil
	}
	child := t.session.transaction(t.session.nested)
	if child == nil || child.destroyed {
		return nil
	}
	switch child.state {
	case model.TransactionStateIdle, model.TransactionStateActive:
		return child
	}
	return nil
}

// State returns the lifecycle state
func (t *Transaction) State() model.TransactionState { return t.state }

// Kind returns how the underlying raw transaction was started
func (t *Transaction) Kind() model.TransactionKind { return t.raw.Kind() }

// Session returns the owning session
func (t *Transaction) Session() *Session { return t.session }

// RawTransaction implements spi.TransactionManager
func (t *Transaction) RawTransaction() rawstore.Transaction { return t.raw }

// LockingPolicy implements spi.TransactionManager
func (t *Transaction) LockingPolicy(g model.Granularity, iso model.IsolationLevel) (rawstore.LockingPolicy, error) {
	return t.am.policyTable().Resolve(g, iso)
}

// CloseMeController implements spi.TransactionManager
func (t *Transaction) CloseMeController(cc spi.ConglomerateController) {
	if i := slices.Index(t.controllers, cc); i >= 0 {
		t.controllers = slices.Delete(t.controllers, i, i+1)
		t.am.metrics.AddOpenControllers(-1)
	}
}

// CloseMeScan implements spi.TransactionManager
func (t *Transaction) CloseMeScan(sm spi.ScanManager) {
	if i := slices.Index(t.scans, sm); i >= 0 {
		t.scans = slices.Delete(t.scans, i, i+1)
		t.am.metrics.AddOpenControllers(-1)
	}
}

// CloseMeSort implements spi.TransactionManager
func (t *Transaction) CloseMeSort(sc spi.SortController) {
	if i := slices.Index(t.sortControllers, sc); i >= 0 {
		t.sortControllers = slices.Delete(t.sortControllers, i, i+1)
	}
}

// closeControllers closes the open scans and controllers. Held ones survive
// unless closeHeld is set; sorts are only released with closeHeld.
func (t *Transaction) closeControllers(closeHeld bool) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, sm := range slices.Clone(t.scans) {
		_, err := sm.CloseForEndTransaction(closeHeld)
		keep(err)
	}
	for _, cc := range slices.Clone(t.controllers) {
		_, err := cc.CloseForEndTransaction(closeHeld)
		keep(err)
	}

	if closeHeld {
		for _, sc := range slices.Clone(t.sortControllers) {
			keep(sc.Close())
		}
		for _, s := range t.sorts {
			if s != nil {
				keep(s.Drop(t))
			}
		}
		t.sorts = nil
		t.freeSorts = nil
	}
	return firstErr
}

// Commit closes the non held controllers and commits the raw transaction.
// The cache is left alone.
func (t *Transaction) Commit() error {
	return t.commit(func() error { return t.raw.Commit() })
}

// CommitNoSync commits without forcing the log
func (t *Transaction) CommitNoSync(flags model.CommitFlag) error {
	return t.commit(func() error { return t.raw.CommitNoSync(flags) })
}

func (t *Transaction) commit(rawCommit func() error) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.raw.GlobalID() != nil {
		return accesserrors.XAProtocol("global transaction must end through XA commit or rollback").
			WithDetail("txn_id", t.raw.ID())
	}
	if err := t.closeControllers(false); err != nil {
		return fmt.Errorf("failed to close controllers at commit: %w", err)
	}
	if err := rawCommit(); err != nil {
		return err
	}
	t.endCommitted()
	t.logger.Debug("Committed transaction")
	return nil
}

// endCommitted finishes a successful commit of the raw transaction
func (t *Transaction) endCommitted() {
	t.alterTableCalled = false
	t.created = nil
	clear(t.droppedTemp)
	t.state = model.TransactionStateCommitted
	t.am.metrics.RecordCommit()
	t.am.schedulePostCommit(t.postCommit)
	t.postCommit = nil
}

// Abort rolls the transaction back and closes every controller, held ones
// included. Aborting a nested transaction aborts its parent too. A parent
// with a live nested child fails with ErrCodeTransactionContextActive and is
// left untouched. A failure of the raw abort is logged, not returned.
func (t *Transaction) Abort() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if child := t.liveChild(); child != nil {
		return accesserrors.TransactionContextActive().
			WithDetail("txn_id", t.raw.ID()).
			WithDetail("child_txn_id", child.raw.ID())
	}
	t.abort(false)
	if p := t.parentTxn(); p != nil && !p.destroyed {
		p.logger.Debug("Aborting parent of nested transaction", zap.String("child_txn_id", t.raw.ID()))
		p.abort(true)
	}
	return nil
}

func (t *Transaction) abort(cascaded bool) {
	// descriptors may refer to structure the abort is about to undo
	if t.alterTableCalled {
		t.am.cache.InvalidateAll()
		t.alterTableCalled = false
	}
	if err := t.closeControllers(true); err != nil {
		t.logger.Warn("Failed to close controllers at abort", zap.Error(err))
	}
	if err := t.raw.Abort(); err != nil {
		t.logger.Error("Raw transaction abort failed", zap.Error(err))
	}
	t.undoBookkeeping()
	t.postCommit = nil
	t.state = model.TransactionStateAborted
	t.am.metrics.RecordAbort(cascaded)
	t.logger.Debug("Aborted transaction", zap.Bool("cascaded", cascaded))
}

// undoBookkeeping forgets conglomerates whose creation was rolled back and
// restores temporary ones whose drop was rolled back
func (t *Transaction) undoBookkeeping() {
	for _, id := range t.created {
		if id.IsTemporary() {
			delete(t.temp, id)
		} else {
			t.am.cache.Remove(id)
		}
	}
	t.created = nil
	for id, d := range t.droppedTemp {
		if owner := t.session.transaction(d.owner); owner != nil {
			owner.temp[id] = d.conglom
		}
	}
	clear(t.droppedTemp)
}

// Destroy closes everything, destroys the raw transaction and frees the
// session slot. Later calls fail with ErrCodeTransactionClosed.
func (t *Transaction) Destroy() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.slot == t.session.user {
		if child := t.session.transaction(t.session.nested); child != nil {
			if err := child.Destroy(); err != nil {
				return err
			}
		}
	}

	if t.alterTableCalled {
		t.am.cache.InvalidateAll()
		t.alterTableCalled = false
	}
	if err := t.closeControllers(true); err != nil {
		t.logger.Warn("Failed to close controllers at destroy", zap.Error(err))
	}
	if err := t.raw.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy raw transaction: %w", err)
	}
	t.undoBookkeeping()
	t.dropTemporaries()

	t.destroyed = true
	t.state = model.TransactionStateDestroyed
	t.postCommit = nil
	t.session.detach(t)
	t.logger.Debug("Destroyed transaction")
	return nil
}

// dropTemporaries removes the committed temporary conglomerates of a
// destroyed transaction through a short internal raw transaction
func (t *Transaction) dropTemporaries() {
	if len(t.temp) == 0 {
		return
	}
	raw, err := t.am.raw.StartInternalTransaction()
	if err != nil {
		t.logger.Error("Failed to drop temporary conglomerates", zap.Error(err))
		return
	}
	for id, c := range t.temp {
		if !raw.ContainerExists(c.ContainerID()) {
			continue
		}
		if err := raw.DropContainer(c.ContainerID()); err != nil {
			t.logger.Warn("Failed to drop temporary conglomerate",
				zap.Int64("conglom_id", int64(id)),
				zap.Error(err))
		}
	}
	if err := raw.Commit(); err != nil {
		t.logger.Error("Failed to commit temporary conglomerate drops", zap.Error(err))
	}
	if err := raw.Destroy(); err != nil {
		t.logger.Error("Failed to destroy internal transaction", zap.Error(err))
	}
	clear(t.temp)
}

// SetSavePoint sets a named savepoint and returns the savepoint depth
func (t *Transaction) SetSavePoint(name string) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	if err := t.am.validator.ValidateName("savepoint", name); err != nil {
		return 0, err
	}
	t.touch()
	return t.raw.SetSavePoint(name)
}

// ReleaseSavePoint releases a savepoint and every later one
func (t *Transaction) ReleaseSavePoint(name string) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	return t.raw.ReleaseSavePoint(name)
}

// RollbackToSavePoint undoes the work done after name. With
// closeControllers every controller is closed first, held ones included.
func (t *Transaction) RollbackToSavePoint(name string, closeControllers bool) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	if t.alterTableCalled {
		t.am.cache.InvalidateAll()
	}
	if closeControllers {
		if err := t.closeControllers(true); err != nil {
			return 0, fmt.Errorf("failed to close controllers at savepoint rollback: %w", err)
		}
	}
	return t.raw.RollbackToSavePoint(name)
}

// StartNestedUserTransaction starts a child sharing this transaction's
// compatibility space. Only a user or global transaction may have a child
// and only one child may be live.
func (t *Transaction) StartNestedUserTransaction(readOnly, flushLogOnEnd bool) (*Transaction, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if t.parent != noSlot || t.slot != t.session.user || t.session.nested != noSlot {
		return nil, accesserrors.NestedTransactionDepth().WithDetail("txn_id", t.raw.ID())
	}

	name := t.raw.Name() + "-nested"
	var (
		raw  rawstore.Transaction
		err  error
		kind model.TransactionKind
	)
	if readOnly {
		raw, err = t.am.raw.StartNestedReadOnlyUserTransaction(t.raw, name)
		kind = model.TransactionKindNestedReadOnly
	} else {
		raw, err = t.am.raw.StartNestedUpdateUserTransaction(t.raw, name, flushLogOnEnd)
		kind = model.TransactionKindNestedUpdate
	}
	if err != nil {
		return nil, err
	}
	child := t.session.attach(raw, kind, t.slot)
	t.session.nested = child.slot
	return child, nil
}

// TransactionIDString returns the raw transaction id
func (t *Transaction) TransactionIDString() string { return t.raw.ID() }

// ActiveStateTxIDString returns the raw id, assigning one if the raw
// transaction is idle
func (t *Transaction) ActiveStateTxIDString() string { return t.raw.ActiveStateTxIDString() }

// IsIdle reports whether the raw transaction has done nothing yet
func (t *Transaction) IsIdle() bool { return t.raw.IsIdle() }

// IsPristine reports whether the raw transaction has logged no writes
func (t *Transaction) IsPristine() bool { return t.raw.IsPristine() }

// IsGlobal reports whether the transaction carries an XA identity
func (t *Transaction) IsGlobal() bool { return t.raw.GlobalID() != nil }

// AnyoneBlocked reports whether any transaction waits on a lock
func (t *Transaction) AnyoneBlocked() bool { return t.am.raw.AnyoneBlocked() }

// SetNoLockWait makes lock requests fail instead of waiting
func (t *Transaction) SetNoLockWait(noWait bool) { t.raw.SetNoLockWait(noWait) }

// CountOpens reports how many resources of one kind are open
func (t *Transaction) CountOpens(which model.OpenCount) (int, error) {
	createdSorts := 0
	for _, s := range t.sorts {
		if s != nil {
			createdSorts++
		}
	}
	switch which {
	case model.OpenConglomerate:
		return len(t.controllers), nil
	case model.OpenScan:
		return len(t.scans), nil
	case model.OpenCreatedSorts:
		return createdSorts, nil
	case model.OpenSort:
		return len(t.sortControllers), nil
	case model.OpenTotal:
		return len(t.controllers) + len(t.scans) + createdSorts + len(t.sortControllers), nil
	default:
		return 0, accesserrors.InvalidArgument(fmt.Sprintf("unknown open count kind %d", which), nil)
	}
}

// DebugOpened describes every open resource
func (t *Transaction) DebugOpened() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction %s (%s, %s)\n", t.raw.ID(), t.raw.Kind(), t.state)
	for _, cc := range t.controllers {
		fmt.Fprintf(&b, "  controller conglom=%s policy=%v held=%t\n", cc.ConglomerateID(), cc.Policy(), cc.IsHeld())
	}
	for _, sm := range t.scans {
		fmt.Fprintf(&b, "  scan conglom=%s policy=%v held=%t visited=%d\n", sm.ConglomerateID(), sm.Policy(), sm.IsHeld(), sm.RowsVisited())
	}
	for id, s := range t.sorts {
		if s != nil {
			fmt.Fprintf(&b, "  sort id=%d\n", id)
		}
	}
	fmt.Fprintf(&b, "  sort controllers=%d temporary conglomerates=%d\n", len(t.sortControllers), len(t.temp))
	return b.String()
}
