package service

import (
	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
)

// CreateXATransactionFromLocalTransaction gives a local user transaction a
// global identity
func (t *Transaction) CreateXATransactionFromLocalTransaction(formatID int32, globalID, branchID []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	xid := model.Xid{FormatID: formatID, GlobalID: globalID, BranchQualifier: branchID}
	if err := t.am.validator.ValidateXid(xid); err != nil {
		return err
	}
	if err := t.raw.CreateXATransactionFromLocal(xid); err != nil {
		return err
	}
	t.logger.Debug("Converted local transaction to global", zap.String("xid", xid.String()))
	return nil
}

// XAPrepare prepares the branch. A read only vote means the branch is
// already committed; a caller that wants to abort must fail instead.
func (t *Transaction) XAPrepare() (model.XAVote, error) {
	if err := t.checkGlobal(); err != nil {
		return 0, err
	}
	if err := t.closeControllers(false); err != nil {
		return 0, err
	}
	vote, err := t.raw.XAPrepare()
	if err != nil {
		return 0, err
	}
	if vote == model.XAVoteReadOnly {
		t.endCommitted()
	} else {
		t.state = model.TransactionStatePrepared
	}
	t.logger.Debug("Prepared global transaction", zap.String("vote", vote.String()))
	return vote, nil
}

// XACommit commits a prepared branch, or an active one with onePhase
func (t *Transaction) XACommit(onePhase bool) error {
	if err := t.checkGlobal(); err != nil {
		return err
	}
	if onePhase {
		if err := t.closeControllers(false); err != nil {
			return err
		}
	}
	if err := t.raw.XACommit(onePhase); err != nil {
		return err
	}
	t.endCommitted()
	t.logger.Debug("Committed global transaction", zap.Bool("one_phase", onePhase))
	return nil
}

// XARollback rolls the branch back
func (t *Transaction) XARollback() error {
	if err := t.checkGlobal(); err != nil {
		return err
	}
	if t.alterTableCalled {
		t.am.cache.InvalidateAll()
		t.alterTableCalled = false
	}
	if err := t.closeControllers(true); err != nil {
		t.logger.Warn("Failed to close controllers at XA rollback", zap.Error(err))
	}
	if err := t.raw.XARollback(); err != nil {
		return err
	}
	t.undoBookkeeping()
	t.postCommit = nil
	t.state = model.TransactionStateAborted
	t.am.metrics.RecordAbort(false)
	t.logger.Debug("Rolled back global transaction")
	return nil
}

func (t *Transaction) checkGlobal() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.raw.GlobalID() == nil {
		return accesserrors.XAProtocol("transaction has no global identity").WithDetail("txn_id", t.raw.ID())
	}
	return nil
}

// GlobalID returns the XA identity, or nil for a local transaction
func (t *Transaction) GlobalID() *model.Xid { return t.raw.GlobalID() }
