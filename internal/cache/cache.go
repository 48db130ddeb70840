// Package cache holds the shared, size bounded cache of conglomerate
// descriptors.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/metrics"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/spi"
)

// ReadFunc reads a descriptor from the raw store on a miss
type ReadFunc func(id model.ConglomerateID) (spi.Conglomerate, error)

// Config holds cache configuration
type Config struct {
	// Target is the size the cache trims back to when entries are released
	Target int
	// Ceiling is the hard limit of live entries
	Ceiling int
}

// DefaultConfig returns the default sizing
func DefaultConfig() Config {
	return Config{Target: 200, Ceiling: 300}
}

// ConglomerateCache is an identity keyed cache of conglomerate descriptors.
// Released entries are kept on a least-recently-released list and evicted
// from its tail; entries that are checked out are never evicted.
type ConglomerateCache struct {
	mu       sync.Mutex
	entries  map[model.ConglomerateID]*entry
	released *simplelru.LRU
	free     []*entry
	target   int
	ceiling  int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a conglomerate cache
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*ConglomerateCache, error) {
	if cfg.Target <= 0 {
		cfg.Target = 200
	}
	if cfg.Ceiling < cfg.Target {
		cfg.Ceiling = cfg.Target
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	released, err := simplelru.NewLRU(cfg.Ceiling, nil)
	if err != nil {
		return nil, err
	}
	return &ConglomerateCache{
		entries:  make(map[model.ConglomerateID]*entry),
		released: released,
		target:   cfg.Target,
		ceiling:  cfg.Ceiling,
		logger:   logger,
		metrics:  m,
	}, nil
}

// Locker returns the cache mutex. Conglomerate id allocation serializes on
// it together with identity transitions.
func (c *ConglomerateCache) Locker() sync.Locker {
	return &c.mu
}

// Find returns the descriptor for id, reading it through read on a miss.
// Concurrent finds of the same missing id wait for one read.
func (c *ConglomerateCache) Find(id model.ConglomerateID, read ReadFunc) (spi.Conglomerate, error) {
	c.mu.Lock()
	for {
		e, ok := c.entries[id]
		if !ok {
			break
		}
		if e.getState() == stateSettingIdentity {
			ready := e.ready
			c.mu.Unlock()
			<-ready
			c.mu.Lock()
			continue
		}
		c.keepLocked(e)
		conglom := e.conglom
		c.releaseLocked(e)
		c.mu.Unlock()

		c.metrics.RecordCacheHit()
		c.logger.Debug("Conglomerate cache hit", zap.Int64("conglom_id", int64(id)))
		return conglom, nil
	}

	if err := c.makeRoomLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	e := c.shellLocked()
	e.beginIdentity(id)
	e.keep = 1
	c.entries[id] = e
	c.mu.Unlock()

	start := time.Now()
	conglom, err := read(id)
	if err == nil && conglom == nil {
		err = accesserrors.ConglomerateDoesNotExist(int64(id))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.entries[id] == e {
			delete(c.entries, id)
		}
		e.abandonIdentity()
		c.free = append(c.free, e)
		return nil, err
	}

	e.setIdentity(conglom)
	c.releaseLocked(e)
	c.metrics.RecordCacheMiss(time.Since(start).Seconds())
	c.metrics.UpdateCacheEntries(len(c.entries))
	c.logger.Debug("Conglomerate cache miss",
		zap.Int64("conglom_id", int64(id)),
		zap.Duration("duration", time.Since(start)))
	return conglom, nil
}

// Insert installs a just created descriptor without a raw store read
func (c *ConglomerateCache) Insert(id model.ConglomerateID, conglom spi.Conglomerate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; ok {
		return accesserrors.ConglomerateIDExists(int64(id)).WithDetail("conglom_id", int64(id))
	}
	return c.insertLocked(id, conglom)
}

// Replace swaps the descriptor for id after a structural change. The old
// descriptor object is never mutated.
func (c *ConglomerateCache) Replace(id model.ConglomerateID, conglom spi.Conglomerate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		c.removeLocked(e)
	}
	return c.insertLocked(id, conglom)
}

func (c *ConglomerateCache) insertLocked(id model.ConglomerateID, conglom spi.Conglomerate) error {
	if err := c.makeRoomLocked(); err != nil {
		return err
	}
	e := c.shellLocked()
	e.createIdentity(id, conglom)
	c.entries[id] = e
	c.keepLocked(e)
	c.releaseLocked(e)
	c.metrics.UpdateCacheEntries(len(c.entries))
	return nil
}

// Remove evicts id after its conglomerate was dropped
func (c *ConglomerateCache) Remove(id model.ConglomerateID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		c.removeLocked(e)
		c.metrics.UpdateCacheEntries(len(c.entries))
	}
}

// InvalidateAll drops every entry that is not checked out
func (c *ConglomerateCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, e := range c.entries {
		if e.keep == 0 {
			c.removeLocked(e)
			dropped++
		}
	}
	c.metrics.RecordCacheInvalidation()
	c.metrics.UpdateCacheEntries(len(c.entries))
	c.logger.Debug("Invalidated conglomerate cache", zap.Int("dropped", dropped))
}

// CleanAll marks every resident descriptor clean
func (c *ConglomerateCache) CleanAll() {
	c.mu.Lock()
	live := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		live = append(live, e)
	}
	c.mu.Unlock()

	for _, e := range live {
		e.clean()
	}
}

// IsDirty reports whether id is resident and installed since the last clean
func (c *ConglomerateCache) IsDirty(id model.ConglomerateID) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	return ok && e.isDirty()
}

// Contains reports whether id is resident with an identity
func (c *ConglomerateCache) Contains(id model.ConglomerateID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	got, has := e.identity()
	return has && got == id
}

// Len returns the number of resident entries
func (c *ConglomerateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ConglomerateCache) keepLocked(e *entry) {
	if e.keep == 0 {
		c.released.Remove(e.id)
	}
	e.keep++
}

func (c *ConglomerateCache) releaseLocked(e *entry) {
	accesserrors.Assert(e.keep > 0, "release of entry %s that is not kept", e.id)
	e.keep--
	if e.keep > 0 {
		return
	}
	if e.detached {
		e.clearIdentity()
		c.free = append(c.free, e)
		return
	}
	c.released.Add(e.id, e)
	c.trimLocked()
}

// removeLocked takes e out of the id map. A kept entry is detached and
// cleared on its last release.
func (c *ConglomerateCache) removeLocked(e *entry) {
	delete(c.entries, e.id)
	if e.keep > 0 {
		e.detached = true
		return
	}
	c.released.Remove(e.id)
	e.clearIdentity()
	c.free = append(c.free, e)
}

// trimLocked evicts released entries until the cache is back at target
func (c *ConglomerateCache) trimLocked() {
	for len(c.entries) > c.target {
		if !c.evictOldestLocked() {
			return
		}
	}
}

// makeRoomLocked guarantees space for one more entry under the ceiling
func (c *ConglomerateCache) makeRoomLocked() error {
	for len(c.entries) >= c.ceiling {
		if !c.evictOldestLocked() {
			return accesserrors.CacheFull(len(c.entries), c.ceiling)
		}
	}
	return nil
}

func (c *ConglomerateCache) evictOldestLocked() bool {
	_, v, ok := c.released.RemoveOldest()
	if !ok {
		return false
	}
	e := v.(*entry)
	delete(c.entries, e.id)
	e.clearIdentity()
	c.free = append(c.free, e)
	c.metrics.RecordCacheEviction()
	return true
}

func (c *ConglomerateCache) shellLocked() *entry {
	if n := len(c.free); n > 0 {
		e := c.free[n-1]
		c.free = c.free[:n-1]
		return e
	}
	return &entry{}
}
