package memstore

import (
	"go.uber.org/zap"

	"github.com/devrev/pairdb/store-access/internal/model"
)

// SimulateCrash undoes every outstanding transaction as restart recovery
// would: internal transactions first, newest first, then the rest, newest
// first. Prepared global transactions stay in doubt with their locks. The
// ids of undone transactions are returned in undo order.
func (s *Store) SimulateCrash() []string {
	var internal, others []*txn
	for _, t := range s.liveTransactions() {
		t.mu.Lock()
		prepared := t.prepared
		kind := t.kind
		t.mu.Unlock()
		if prepared {
			continue
		}
		if kind == model.TransactionKindInternal {
			internal = append(internal, t)
		} else {
			others = append(others, t)
		}
	}

	var undone []string
	undo := func(list []*txn) {
		for i := len(list) - 1; i >= 0; i-- {
			t := list[i]
			if !t.IsPristine() {
				undone = append(undone, t.id)
			}
			if err := t.Destroy(); err != nil {
				s.logger.Warn("Failed to undo transaction during recovery",
					zap.String("txn_id", t.id),
					zap.Error(err))
			}
		}
	}
	undo(internal)
	undo(others)

	s.txnMu.Lock()
	s.recovery = append(s.recovery, undone...)
	s.txnMu.Unlock()

	s.logger.Info("Recovery undo complete",
		zap.Int("undone", len(undone)),
		zap.Int("in_doubt", len(s.InDoubt())))
	return undone
}

// RecoveryLog returns the ids of every transaction undone by recovery
func (s *Store) RecoveryLog() []string {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	out := make([]string, len(s.recovery))
	copy(out, s.recovery)
	return out
}
