// Package memstore is an in-memory raw store: containers, a lock manager
// with deadlock detection, undo logging with savepoints, XA branches and the
// whole-database administrative operations.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/metrics"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
)

// Config holds raw store configuration
type Config struct {
	// DeadlockTimeout is how long a lock wait runs before deadlock detection
	DeadlockTimeout time.Duration
	// LockWaitTimeout bounds a lock wait. Negative waits forever.
	LockWaitTimeout time.Duration
	ReadOnly        bool
	// DiskCheck vets a backup destination before writing estimatedBytes
	DiskCheck func(dir string, estimatedBytes uint64) error
}

// DefaultConfig returns the default raw store configuration
func DefaultConfig() Config {
	return Config{
		DeadlockTimeout: 20 * time.Second,
		LockWaitTimeout: 60 * time.Second,
	}
}

// Store is the in-memory raw store
type Store struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	locks    *lockManager
	policies *policies

	mu         sync.RWMutex
	containers map[model.ContainerID]*container
	nextTemp   model.ContainerID

	txnMu    sync.Mutex
	txns     map[string]*txn
	globals  map[string]*txn
	txnSeq   int64
	recovery []string

	propMu       sync.RWMutex
	serviceProps model.Properties

	freeze      sync.RWMutex
	frozen      atomic.Bool
	archiveMode atomic.Bool
	checkpoints atomic.Int64
	logInstant  atomic.Int64
	booted      atomic.Bool
	readOnly    atomic.Bool
}

var _ rawstore.RawStore = (*Store)(nil)

// New creates an empty store
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DiskCheck == nil {
		cfg.DiskCheck = defaultDiskCheck(logger)
	}
	s := &Store{
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		locks:        newLockManager(cfg.DeadlockTimeout, cfg.LockWaitTimeout, logger, m),
		policies:     newPolicies(),
		containers:   make(map[model.ContainerID]*container),
		txns:         make(map[string]*txn),
		globals:      make(map[string]*txn),
		serviceProps: model.Properties{},
	}
	s.readOnly.Store(cfg.ReadOnly)
	return s
}

// Boot starts the store. Containers survive a stop and reboot of the same
// store object.
func (s *Store) Boot(ctx context.Context, create bool, props model.Properties) error {
	s.propMu.Lock()
	for k, v := range props {
		s.serviceProps[k] = v
	}
	readOnly := s.cfg.ReadOnly || s.serviceProps.Bool(model.PropertyReadOnly, false)
	s.applyLockTimeoutsLocked()
	s.propMu.Unlock()

	s.readOnly.Store(readOnly)
	s.booted.Store(true)
	s.logger.Info("Raw store booted",
		zap.Bool("create", create),
		zap.Bool("read_only", readOnly),
		zap.Int("containers", s.containerCount()))
	return nil
}

// Stop aborts every live transaction and shuts the store down
func (s *Store) Stop(ctx context.Context) error {
	for _, t := range s.liveTransactions() {
		if err := t.Destroy(); err != nil {
			s.logger.Warn("Failed to destroy transaction at shutdown",
				zap.String("txn_id", t.id),
				zap.Error(err))
		}
	}
	if s.frozen.CompareAndSwap(true, false) {
		s.freeze.Unlock()
	}
	s.booted.Store(false)
	s.logger.Info("Raw store stopped")
	return nil
}

// IsReadOnly reports whether the store refuses writes
func (s *Store) IsReadOnly() bool {
	return s.readOnly.Load()
}

// IsFrozen reports whether writers are currently blocked
func (s *Store) IsFrozen() bool {
	return s.frozen.Load()
}

// MaxContainerID returns the largest persistent container id
func (s *Store) MaxContainerID() (model.ContainerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max model.ContainerID
	for id, c := range s.containers {
		if !c.temporary && id > max {
			max = id
		}
	}
	return max, nil
}

// NewLockingPolicy returns the shared policy for the pair
func (s *Store) NewLockingPolicy(g model.Granularity, iso model.IsolationLevel, stricterOK bool) (rawstore.LockingPolicy, error) {
	return s.policies.get(g, iso)
}

// ServiceProperty returns a persistent service property
func (s *Store) ServiceProperty(key string) (string, bool) {
	s.propMu.RLock()
	defer s.propMu.RUnlock()
	return s.serviceProps.Get(key)
}

// SetServiceProperty stores a persistent service property
func (s *Store) SetServiceProperty(key, value string) error {
	if s.IsReadOnly() {
		return accesserrors.ReadOnly("set service property")
	}
	s.propMu.Lock()
	defer s.propMu.Unlock()
	s.serviceProps[key] = value
	if key == model.PropertyDeadlockTimeout || key == model.PropertyLockWaitTimeout {
		s.applyLockTimeoutsLocked()
	}
	return nil
}

// applyLockTimeoutsLocked pushes the lock timeout properties, in whole
// seconds, into the lock manager. Unset or malformed values keep the
// current timeout. Must be called with propMu held.
func (s *Store) applyLockTimeoutsLocked() {
	deadlock, wait := s.locks.timeouts()
	deadlock = s.secondsLocked(model.PropertyDeadlockTimeout, deadlock)
	wait = s.secondsLocked(model.PropertyLockWaitTimeout, wait)
	s.locks.setTimeouts(deadlock, wait)
}

func (s *Store) secondsLocked(key string, current time.Duration) time.Duration {
	v, ok := s.serviceProps.Get(key)
	if !ok {
		return current
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.logger.Warn("Ignoring malformed lock timeout property",
			zap.String("key", key),
			zap.String("value", v))
		return current
	}
	if n < 0 {
		return -1
	}
	return time.Duration(n) * time.Second
}

// AnyoneBlocked reports whether any lock request is waiting
func (s *Store) AnyoneBlocked() bool {
	return s.locks.anyoneBlocked()
}

// TransactionInfo returns a snapshot of the live transactions
func (s *Store) TransactionInfo() []model.TransactionInfo {
	live := s.liveTransactions()
	out := make([]model.TransactionInfo, 0, len(live))
	for _, t := range live {
		out = append(out, t.Info())
	}
	return out
}

// StartTransaction starts a user transaction with its own compatibility space
func (s *Store) StartTransaction(name string) (rawstore.Transaction, error) {
	return s.newTxn(name, model.TransactionKindUser, nil, nil), nil
}

// StartInternalTransaction starts an internal transaction with its own
// compatibility space
func (s *Store) StartInternalTransaction() (rawstore.Transaction, error) {
	return s.newTxn("internal", model.TransactionKindInternal, nil, nil), nil
}

// StartNestedReadOnlyUserTransaction starts a child sharing the parent's
// compatibility space that refuses writes
func (s *Store) StartNestedReadOnlyUserTransaction(parent rawstore.Transaction, name string) (rawstore.Transaction, error) {
	p, err := asTxn(parent)
	if err != nil {
		return nil, err
	}
	return s.newTxn(name, model.TransactionKindNestedReadOnly, p, nil), nil
}

// StartNestedUpdateUserTransaction starts a child sharing the parent's
// compatibility space
func (s *Store) StartNestedUpdateUserTransaction(parent rawstore.Transaction, name string, flushLogOnEnd bool) (rawstore.Transaction, error) {
	p, err := asTxn(parent)
	if err != nil {
		return nil, err
	}
	t := s.newTxn(name, model.TransactionKindNestedUpdate, p, nil)
	t.flushLogOnEnd = flushLogOnEnd
	return t, nil
}

// StartGlobalTransaction starts an XA branch
func (s *Store) StartGlobalTransaction(xid model.Xid) (rawstore.Transaction, error) {
	if err := xid.Validate(); err != nil {
		return nil, accesserrors.InvalidArgument("invalid xid", err)
	}
	s.txnMu.Lock()
	if _, ok := s.globals[xid.String()]; ok {
		s.txnMu.Unlock()
		return nil, accesserrors.XAProtocol("duplicate global transaction id " + xid.String())
	}
	s.txnMu.Unlock()

	x := xid
	t := s.newTxn("global", model.TransactionKindGlobal, nil, &x)
	s.txnMu.Lock()
	s.globals[xid.String()] = t
	s.txnMu.Unlock()
	return t, nil
}

func (s *Store) newTxn(name string, kind model.TransactionKind, parent *txn, xid *model.Xid) *txn {
	id := uuid.NewString()
	t := &txn{
		store:    s,
		id:       id,
		name:     name,
		kind:     kind,
		parent:   parent,
		xid:      xid,
		readOnly: kind == model.TransactionKindNestedReadOnly,
	}
	if parent != nil {
		t.space = parent.space
	} else {
		t.space = &space{owner: id}
	}

	s.txnMu.Lock()
	s.txnSeq++
	t.seq = s.txnSeq
	s.txns[id] = t
	s.txnMu.Unlock()

	s.logger.Debug("Started raw transaction",
		zap.String("txn_id", id),
		zap.String("kind", string(kind)),
		zap.String("name", name))
	return t
}

func (s *Store) forget(t *txn) {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	delete(s.txns, t.id)
	if t.xid != nil {
		if g, ok := s.globals[t.xid.String()]; ok && g == t {
			delete(s.globals, t.xid.String())
		}
	}
}

func (s *Store) registerGlobal(xid model.Xid, t *txn) error {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if _, ok := s.globals[xid.String()]; ok {
		return accesserrors.XAProtocol("duplicate global transaction id " + xid.String())
	}
	s.globals[xid.String()] = t
	return nil
}

func (s *Store) unregisterGlobal(xid model.Xid) {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	delete(s.globals, xid.String())
}

// liveTransactions returns the live transactions in creation order
func (s *Store) liveTransactions() []*txn {
	s.txnMu.Lock()
	out := make([]*txn, 0, len(s.txns))
	for _, t := range s.txns {
		out = append(out, t)
	}
	s.txnMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// InDoubt returns the ids of prepared global transactions
func (s *Store) InDoubt() []model.Xid {
	var out []model.Xid
	for _, t := range s.liveTransactions() {
		t.mu.Lock()
		if t.prepared && t.xid != nil {
			out = append(out, *t.xid)
		}
		t.mu.Unlock()
	}
	return out
}

func (s *Store) nextInstant() int64 {
	return s.logInstant.Add(1)
}

func (s *Store) containerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.containers)
}

func (s *Store) containerLocked(id model.ContainerID) (*container, error) {
	c, ok := s.containers[id]
	if !ok {
		return nil, accesserrors.ConglomerateDoesNotExist(int64(id)).WithDetail("container_id", int64(id))
	}
	return c, nil
}
