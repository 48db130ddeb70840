package service

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
)

const noSlot = -1

// Session is the transaction context of one logical thread of control. It
// owns its transactions in an arena indexed by slot: at most one user
// transaction, one nested child of it, and one internal transaction.
// A session is not safe for concurrent use.
type Session struct {
	am     *AccessManager
	id     string
	name   string
	logger *zap.Logger

	slots    []*Transaction
	user     int
	nested   int
	internal int

	nextTemp model.ConglomerateID
	closed   bool
}

func (am *AccessManager) newSession(name string) *Session {
	id := uuid.NewString()
	return &Session{
		am:       am,
		id:       id,
		name:     name,
		logger:   am.logger.With(zap.String("session_id", id)),
		user:     noSlot,
		nested:   noSlot,
		internal: noSlot,
	}
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Name returns the name the session was opened with
func (s *Session) Name() string { return s.name }

func (s *Session) checkOpen() error {
	if s.closed {
		return accesserrors.TransactionClosed("session " + s.id)
	}
	return nil
}

// GetTransaction returns the session's user transaction, starting one when
// there is none
func (s *Session) GetTransaction(name string) (*Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.user != noSlot {
		return s.slots[s.user], nil
	}
	if err := s.am.validator.ValidateName("transaction", name); err != nil {
		return nil, err
	}
	raw, err := s.am.raw.StartTransaction(name)
	if err != nil {
		return nil, err
	}
	t := s.attach(raw, model.TransactionKindUser, noSlot)
	s.user = t.slot
	return t, nil
}

// StartXATransaction starts a global transaction. It fails when the session
// already has a transaction context.
func (s *Session) StartXATransaction(formatID int32, globalID, branchID []byte) (*Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.user != noSlot {
		return nil, accesserrors.TransactionContextActive().WithDetail("session_id", s.id)
	}
	xid := model.Xid{FormatID: formatID, GlobalID: globalID, BranchQualifier: branchID}
	if err := s.am.validator.ValidateXid(xid); err != nil {
		return nil, err
	}
	raw, err := s.am.raw.StartGlobalTransaction(xid)
	if err != nil {
		return nil, err
	}
	// leave the branch idle but keep its global identity
	if err := raw.CommitNoSync(model.CommitReleaseLocks | model.CommitReadOnlyTransactionInitialization); err != nil {
		if derr := raw.Destroy(); derr != nil {
			s.logger.Error("Failed to destroy global transaction", zap.Error(derr))
		}
		return nil, err
	}
	t := s.attach(raw, model.TransactionKindGlobal, noSlot)
	s.user = t.slot
	return t, nil
}

// StartInternalTransaction starts a transaction with its own compatibility
// space for physical, always undoable work
func (s *Session) StartInternalTransaction() (*Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.internal != noSlot {
		return nil, accesserrors.TransactionContextActive().WithDetail("session_id", s.id)
	}
	raw, err := s.am.raw.StartInternalTransaction()
	if err != nil {
		return nil, err
	}
	t := s.attach(raw, model.TransactionKindInternal, noSlot)
	s.internal = t.slot
	return t, nil
}

// CurrentTransaction returns the innermost live transaction: the internal
// one, else the nested child, else the user transaction
func (s *Session) CurrentTransaction() *Transaction {
	for _, slot := range []int{s.internal, s.nested, s.user} {
		if slot != noSlot {
			return s.slots[slot]
		}
	}
	return nil
}

// Close destroys every transaction of the session, innermost first
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var firstErr error
	for _, slot := range []int{s.internal, s.nested, s.user} {
		if slot == noSlot {
			continue
		}
		if t := s.slots[slot]; t != nil {
			if err := t.Destroy(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.closed = true
	s.logger.Debug("Closed session", zap.String("name", s.name))
	return firstErr
}

// nextTempID returns the next session scoped temporary conglomerate id
func (s *Session) nextTempID() model.ConglomerateID {
	s.nextTemp--
	return s.nextTemp
}

// attach wraps raw in a transaction stored in a free arena slot
func (s *Session) attach(raw rawstore.Transaction, kind model.TransactionKind, parent int) *Transaction {
	slot := len(s.slots)
	for i, t := range s.slots {
		if t == nil {
			slot = i
			break
		}
	}
	t := newTransaction(s, slot, parent, raw)
	if slot == len(s.slots) {
		s.slots = append(s.slots, t)
	} else {
		s.slots[slot] = t
	}
	s.am.metrics.RecordTransactionStarted(string(kind))
	s.logger.Debug("Started transaction",
		zap.String("txn_id", raw.ID()),
		zap.String("kind", string(kind)),
		zap.Int("slot", slot))
	return t
}

// transaction returns the transaction in slot, or nil
func (s *Session) transaction(slot int) *Transaction {
	if slot < 0 || slot >= len(s.slots) {
		return nil
	}
	return s.slots[slot]
}

// detach frees the slot of a destroyed transaction
func (s *Session) detach(t *Transaction) {
	if s.transaction(t.slot) != t {
		return
	}
	s.slots[t.slot] = nil
	switch t.slot {
	case s.user:
		s.user = noSlot
	case s.nested:
		s.nested = noSlot
	case s.internal:
		s.internal = noSlot
	}
}
