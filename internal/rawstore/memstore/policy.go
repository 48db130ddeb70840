package memstore

import (
	"fmt"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
)

// lockPolicy implements every (granularity, isolation) pair.
//
// Table granularity locks only the container: X for update, S for reads at
// READ_COMMITTED and above (released at close below REPEATABLE_READ).
// Record granularity takes intent locks on the container and S/X locks on
// records. Read locks are released right after the read below
// REPEATABLE_READ. SERIALIZABLE scans also S lock the container. NOLOCK
// takes no locks at all.
type lockPolicy struct {
	granularity model.Granularity
	isolation   model.IsolationLevel
}

var _ rawstore.LockingPolicy = (*lockPolicy)(nil)

func (p *lockPolicy) Granularity() model.Granularity  { return p.granularity }
func (p *lockPolicy) Isolation() model.IsolationLevel { return p.isolation }

func (p *lockPolicy) String() string {
	return fmt.Sprintf("%s/%s", p.granularity, p.isolation)
}

func (p *lockPolicy) noLocks() bool {
	return p.isolation == model.IsolationNoLock
}

// heldLock is a lock a handle releases when it closes
type heldLock struct {
	key  lockKey
	mode lockMode
}

// lockContainer takes the container lock for an open
func (p *lockPolicy) lockContainer(t *txn, c model.ContainerID, forUpdate, noWait bool) (*heldLock, error) {
	if p.noLocks() {
		return nil, nil
	}
	key := lockKey{container: c, record: containerLock}

	var mode lockMode
	releaseOnClose := false
	switch {
	case forUpdate && p.granularity == model.GranularityTable:
		mode = lockX
	case forUpdate:
		mode = lockIX
	case p.isolation == model.IsolationReadUncommitted:
		return nil, nil
	case p.granularity == model.GranularityTable:
		mode = lockS
		releaseOnClose = !p.isolation.HoldsReadLocks()
	default:
		mode = lockIS
		releaseOnClose = p.isolation == model.IsolationReadCommittedNoHoldLock
	}

	if err := t.lock(key, mode, noWait); err != nil {
		return nil, err
	}
	if releaseOnClose {
		return &heldLock{key: key, mode: mode}, nil
	}
	return nil, nil
}

// lockRecordForRead locks a record before it is read. The returned lock, if
// any, is released as soon as the read completes.
func (p *lockPolicy) lockRecordForRead(t *txn, c model.ContainerID, rid int64, forUpdate, noWait bool) (*heldLock, error) {
	if p.noLocks() || p.granularity == model.GranularityTable {
		return nil, nil
	}
	key := lockKey{container: c, record: rid}
	if forUpdate {
		return nil, t.lock(key, lockX, noWait)
	}
	if !p.isolation.TakesReadLocks() {
		return nil, nil
	}
	if err := t.lock(key, lockS, noWait); err != nil {
		return nil, err
	}
	if p.isolation.HoldsReadLocks() {
		return nil, nil
	}
	return &heldLock{key: key, mode: lockS}, nil
}

// lockRecordForWrite locks a record before it is changed
func (p *lockPolicy) lockRecordForWrite(t *txn, c model.ContainerID, rid int64, noWait bool) error {
	if p.noLocks() || p.granularity == model.GranularityTable {
		return nil
	}
	return t.lock(lockKey{container: c, record: rid}, lockX, noWait)
}

// lockForScan protects a full scan from phantoms under SERIALIZABLE
func (p *lockPolicy) lockForScan(t *txn, c model.ContainerID, noWait bool) error {
	if p.granularity != model.GranularityRecord || p.isolation != model.IsolationSerializable {
		return nil
	}
	return t.lock(lockKey{container: c, record: containerLock}, lockS, noWait)
}

// policies holds one immutable policy per pair
type policies struct {
	table  [model.NumIsolationLevels]*lockPolicy
	record [model.NumIsolationLevels]*lockPolicy
}

func newPolicies() *policies {
	p := &policies{}
	for _, iso := range model.IsolationLevels {
		p.table[iso] = &lockPolicy{granularity: model.GranularityTable, isolation: iso}
		p.record[iso] = &lockPolicy{granularity: model.GranularityRecord, isolation: iso}
	}
	return p
}

func (p *policies) get(g model.Granularity, iso model.IsolationLevel) (*lockPolicy, error) {
	if !iso.Valid() {
		return nil, accesserrors.InvalidArgument(fmt.Sprintf("invalid isolation level %d", int(iso)), nil)
	}
	switch g {
	case model.GranularityTable:
		return p.table[iso], nil
	case model.GranularityRecord:
		return p.record[iso], nil
	default:
		return nil, accesserrors.InvalidArgument(fmt.Sprintf("invalid lock granularity %s", g), nil)
	}
}

// asPolicy converts a policy handed back by the access layer
func asPolicy(p rawstore.LockingPolicy) (*lockPolicy, error) {
	lp, ok := p.(*lockPolicy)
	if !ok || lp == nil {
		return nil, accesserrors.InvalidArgument(fmt.Sprintf("locking policy %v was not issued by this store", p), nil)
	}
	return lp, nil
}
