package memstore

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/metrics"
	"github.com/devrev/pairdb/store-access/internal/model"
)

type lockMode int

const (
	lockIS lockMode = iota
	lockIX
	lockS
	lockX
)

func (m lockMode) String() string {
	return [...]string{"IS", "IX", "S", "X"}[m]
}

// compatible[a][b] reports whether a grant of a lets b be granted
var compatible = [4][4]bool{
	lockIS: {lockIS: true, lockIX: true, lockS: true, lockX: false},
	lockIX: {lockIS: true, lockIX: true, lockS: false, lockX: false},
	lockS:  {lockIS: true, lockIX: false, lockS: true, lockX: false},
	lockX:  {lockIS: false, lockIX: false, lockS: false, lockX: false},
}

// containerLock is the record id used for the container itself
const containerLock int64 = -1

type lockKey struct {
	container model.ContainerID
	record    int64
}

func (k lockKey) String() string {
	if k.record == containerLock {
		return fmt.Sprintf("container %d", k.container)
	}
	return fmt.Sprintf("record (%d,%d)", k.container, k.record)
}

// space is a compatibility space. Requests from one space never conflict.
type space struct {
	owner string
}

func (s *space) Owner() string {
	return s.owner
}

type grant struct {
	space *space
	group string
	mode  lockMode
	count int
}

type waiter struct {
	key  lockKey
	mode lockMode
}

// lockManager grants IS/IX/S/X locks to compatibility spaces. Waiters are
// woken by closing the changed channel whenever a lock is released.
type lockManager struct {
	mu              sync.Mutex
	grants          map[lockKey][]*grant
	waiting         map[*space]waiter
	changed         chan struct{}
	deadlockTimeout time.Duration
	waitTimeout     time.Duration
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

func newLockManager(deadlockTimeout, waitTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *lockManager {
	return &lockManager{
		grants:          make(map[lockKey][]*grant),
		waiting:         make(map[*space]waiter),
		changed:         make(chan struct{}),
		deadlockTimeout: deadlockTimeout,
		waitTimeout:     waitTimeout,
		logger:          logger,
		metrics:         m,
	}
}

// setTimeouts changes the waits of lock requests made from now on
func (lm *lockManager) setTimeouts(deadlockTimeout, waitTimeout time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.deadlockTimeout = deadlockTimeout
	lm.waitTimeout = waitTimeout
}

func (lm *lockManager) timeouts() (deadlockTimeout, waitTimeout time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.deadlockTimeout, lm.waitTimeout
}

// conflictsLocked returns the spaces holding grants incompatible with mode
func (lm *lockManager) conflictsLocked(sp *space, key lockKey, mode lockMode) []*space {
	var out []*space
	for _, g := range lm.grants[key] {
		if g.space == sp {
			continue
		}
		if !compatible[g.mode][mode] {
			out = append(out, g.space)
		}
	}
	return out
}

func (lm *lockManager) grantLocked(sp *space, group string, key lockKey, mode lockMode) {
	for _, g := range lm.grants[key] {
		if g.space == sp && g.group == group && g.mode == mode {
			g.count++
			return
		}
	}
	lm.grants[key] = append(lm.grants[key], &grant{space: sp, group: group, mode: mode, count: 1})
}

// lock acquires key in mode for group. With noWait a conflicting request
// fails at once with a lock timeout.
func (lm *lockManager) lock(sp *space, group string, key lockKey, mode lockMode, noWait bool) error {
	lm.mu.Lock()
	if len(lm.conflictsLocked(sp, key, mode)) == 0 {
		lm.grantLocked(sp, group, key, mode)
		lm.mu.Unlock()
		return nil
	}
	if noWait {
		lm.mu.Unlock()
		lm.metrics.RecordLockTimeout()
		return accesserrors.LockTimeout(key.String(), time.Duration(0))
	}

	start := time.Now()
	deadlockAt := start.Add(lm.deadlockTimeout)
	var deadline time.Time
	if lm.waitTimeout >= 0 {
		deadline = start.Add(lm.waitTimeout)
	}
	lm.waiting[sp] = waiter{key: key, mode: mode}

	for {
		now := time.Now()
		if !now.Before(deadlockAt) && lm.inCycleLocked(sp) {
			delete(lm.waiting, sp)
			lm.mu.Unlock()
			lm.metrics.RecordDeadlock()
			lm.logger.Warn("Deadlock detected",
				zap.String("lock", key.String()),
				zap.String("victim", sp.owner))
			return accesserrors.Deadlock(key.String(), sp.owner)
		}
		if !deadline.IsZero() && !now.Before(deadline) {
			delete(lm.waiting, sp)
			lm.mu.Unlock()
			lm.metrics.RecordLockTimeout()
			return accesserrors.LockTimeout(key.String(), now.Sub(start))
		}

		var wake time.Time
		if now.Before(deadlockAt) {
			wake = deadlockAt
		}
		if !deadline.IsZero() && (wake.IsZero() || deadline.Before(wake)) {
			wake = deadline
		}
		changed := lm.changed
		lm.mu.Unlock()

		if wake.IsZero() {
			<-changed
		} else {
			timer := time.NewTimer(time.Until(wake))
			select {
			case <-changed:
			case <-timer.C:
			}
			timer.Stop()
		}

		lm.mu.Lock()
		if len(lm.conflictsLocked(sp, key, mode)) == 0 {
			delete(lm.waiting, sp)
			lm.grantLocked(sp, group, key, mode)
			lm.mu.Unlock()
			return nil
		}
	}
}

// inCycleLocked follows the waits-for graph from sp and reports whether it
// leads back to sp
func (lm *lockManager) inCycleLocked(sp *space) bool {
	visited := make(map[*space]bool)
	var visit func(s *space) bool
	visit = func(s *space) bool {
		w, ok := lm.waiting[s]
		if !ok {
			return false
		}
		for _, holder := range lm.conflictsLocked(s, w.key, w.mode) {
			if holder == sp {
				return true
			}
			if visited[holder] {
				continue
			}
			visited[holder] = true
			if visit(holder) {
				return true
			}
		}
		return false
	}
	return visit(sp)
}

// unlock releases one count of a grant
func (lm *lockManager) unlock(sp *space, group string, key lockKey, mode lockMode) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	grants := lm.grants[key]
	for i, g := range grants {
		if g.space == sp && g.group == group && g.mode == mode {
			g.count--
			if g.count == 0 {
				grants = append(grants[:i], grants[i+1:]...)
			}
			break
		}
	}
	lm.setGrantsLocked(key, grants)
	lm.notifyLocked()
}

// unlockGroup releases every lock held by group
func (lm *lockManager) unlockGroup(group string) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	released := 0
	for key, grants := range lm.grants {
		kept := grants[:0]
		for _, g := range grants {
			if g.group == group {
				released++
				continue
			}
			kept = append(kept, g)
		}
		lm.setGrantsLocked(key, kept)
	}
	if released > 0 {
		lm.notifyLocked()
	}
	return released
}

func (lm *lockManager) setGrantsLocked(key lockKey, grants []*grant) {
	if len(grants) == 0 {
		delete(lm.grants, key)
		return
	}
	lm.grants[key] = grants
}

func (lm *lockManager) notifyLocked() {
	close(lm.changed)
	lm.changed = make(chan struct{})
}

// count returns the number of grants held by group
func (lm *lockManager) count(group string) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	n := 0
	for _, grants := range lm.grants {
		for _, g := range grants {
			if g.group == group {
				n++
			}
		}
	}
	return n
}

// anyoneBlocked reports whether any request is waiting
func (lm *lockManager) anyoneBlocked() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.waiting) > 0
}
