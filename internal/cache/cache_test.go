package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/spi"
)

func init() {
	accesserrors.SanityChecks = true
}

type fakeConglom struct {
	spi.Conglomerate
	id      model.ConglomerateID
	version int
}

func (f *fakeConglom) ID() model.ConglomerateID { return f.id }

type countingReader struct {
	reads atomic.Int32
	delay time.Duration
}

func (r *countingReader) read(id model.ConglomerateID) (spi.Conglomerate, error) {
	r.reads.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if id == 404 {
		return nil, accesserrors.ConglomerateDoesNotExist(int64(id))
	}
	return &fakeConglom{id: id}, nil
}

func newTestCache(t *testing.T, target, ceiling int) *ConglomerateCache {
	t.Helper()
	c, err := New(Config{Target: target, Ceiling: ceiling}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestInsertThenFindSkipsRead(t *testing.T) {
	c := newTestCache(t, 10, 20)
	r := &countingReader{}
	d := &fakeConglom{id: 0x10}

	require.NoError(t, c.Insert(0x10, d))
	for i := 0; i < 3; i++ {
		got, err := c.Find(0x10, r.read)
		require.NoError(t, err)
		assert.Same(t, d, got)
		assert.Equal(t, model.ConglomerateID(0x10), got.ID())
	}
	assert.Equal(t, int32(0), r.reads.Load())
	assert.True(t, c.Contains(0x10))
}

func TestFindReadsThroughOnce(t *testing.T) {
	c := newTestCache(t, 10, 20)
	r := &countingReader{}

	first, err := c.Find(0x21, r.read)
	require.NoError(t, err)
	second, err := c.Find(0x21, r.read)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), r.reads.Load())
}

func TestFindPropagatesDoesNotExist(t *testing.T) {
	c := newTestCache(t, 10, 20)
	r := &countingReader{}

	_, err := c.Find(404, r.read)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeConglomerateDoesNotExist))
	assert.False(t, c.Contains(404))
	assert.Equal(t, 0, c.Len())

	// a nil descriptor without an error is also a missing conglomerate
	_, err = c.Find(0x31, func(model.ConglomerateID) (spi.Conglomerate, error) { return nil, nil })
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeConglomerateDoesNotExist))
}

func TestConcurrentMissesShareOneRead(t *testing.T) {
	c := newTestCache(t, 10, 20)
	r := &countingReader{delay: 20 * time.Millisecond}

	var wg sync.WaitGroup
	results := make([]spi.Conglomerate, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Find(0x40, r.read)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), r.reads.Load())
	for _, got := range results {
		assert.Same(t, results[0], got)
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	c := newTestCache(t, 10, 20)
	require.NoError(t, c.Insert(0x10, &fakeConglom{id: 0x10}))
	err := c.Insert(0x10, &fakeConglom{id: 0x10})
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeConglomerateIDExists))
}

func TestReplaceInstallsNewDescriptor(t *testing.T) {
	c := newTestCache(t, 10, 20)
	r := &countingReader{}
	old := &fakeConglom{id: 0x10, version: 1}
	require.NoError(t, c.Insert(0x10, old))

	updated := &fakeConglom{id: 0x10, version: 2}
	require.NoError(t, c.Replace(0x10, updated))

	got, err := c.Find(0x10, r.read)
	require.NoError(t, err)
	assert.Same(t, updated, got)
	assert.Equal(t, 1, old.version)
}

func TestRemoveForcesReadThrough(t *testing.T) {
	c := newTestCache(t, 10, 20)
	r := &countingReader{}
	require.NoError(t, c.Insert(0x10, &fakeConglom{id: 0x10}))

	c.Remove(0x10)
	assert.False(t, c.Contains(0x10))
	_, err := c.Find(0x10, r.read)
	require.NoError(t, err)
	assert.Equal(t, int32(1), r.reads.Load())
}

func TestInvalidateAll(t *testing.T) {
	c := newTestCache(t, 10, 20)
	r := &countingReader{}
	for i := 1; i <= 5; i++ {
		id := model.ConglomerateID(i << 4)
		require.NoError(t, c.Insert(id, &fakeConglom{id: id}))
	}
	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())

	_, err := c.Find(0x10, r.read)
	require.NoError(t, err)
	assert.Equal(t, int32(1), r.reads.Load())
}

func TestTrimEvictsLeastRecentlyReleased(t *testing.T) {
	c := newTestCache(t, 3, 5)
	r := &countingReader{}
	for i := 1; i <= 3; i++ {
		_, err := c.Find(model.ConglomerateID(i<<4), r.read)
		require.NoError(t, err)
	}
	// touch the oldest so 0x20 becomes the eviction candidate
	_, err := c.Find(0x10, r.read)
	require.NoError(t, err)

	_, err = c.Find(0x40, r.read)
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Contains(0x10))
	assert.False(t, c.Contains(0x20))
	assert.True(t, c.Contains(0x30))
	assert.True(t, c.Contains(0x40))
}

func TestCeilingWithEverythingCheckedOut(t *testing.T) {
	c := newTestCache(t, 1, 2)

	c.mu.Lock()
	for i := 1; i <= 2; i++ {
		id := model.ConglomerateID(i << 4)
		e := c.shellLocked()
		e.createIdentity(id, &fakeConglom{id: id})
		c.entries[id] = e
		c.keepLocked(e)
	}
	c.mu.Unlock()

	err := c.Insert(0x30, &fakeConglom{id: 0x30})
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeCacheFull))
}

func TestCheckedOutEntrySurvivesInvalidate(t *testing.T) {
	c := newTestCache(t, 10, 20)
	require.NoError(t, c.Insert(0x10, &fakeConglom{id: 0x10}))

	c.mu.Lock()
	e := c.entries[0x10]
	c.keepLocked(e)
	c.mu.Unlock()

	c.InvalidateAll()
	assert.True(t, c.Contains(0x10))

	c.Remove(0x10)
	assert.False(t, c.Contains(0x10))
	assert.Equal(t, stateHasIdentity, e.getState())

	c.mu.Lock()
	c.releaseLocked(e)
	c.mu.Unlock()
	assert.Equal(t, stateNoIdentity, e.getState())
}

func TestDirtyAndClean(t *testing.T) {
	c := newTestCache(t, 10, 20)
	r := &countingReader{}
	require.NoError(t, c.Insert(0x10, &fakeConglom{id: 0x10}))
	_, err := c.Find(0x20, r.read)
	require.NoError(t, err)

	assert.True(t, c.IsDirty(0x10))
	assert.False(t, c.IsDirty(0x20))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.CleanAll()
		}()
	}
	wg.Wait()
	assert.False(t, c.IsDirty(0x10))
	assert.True(t, c.Contains(0x10))
}

func TestEntryLifecycleAssertions(t *testing.T) {
	e := &entry{}
	assert.Panics(t, func() { e.clearIdentity() })

	e.createIdentity(0x10, &fakeConglom{id: 0x10})
	id, ok := e.identity()
	assert.True(t, ok)
	assert.Equal(t, model.ConglomerateID(0x10), id)

	assert.Panics(t, func() { e.createIdentity(0x20, &fakeConglom{id: 0x20}) })
	e.clearIdentity()
	_, ok = e.identity()
	assert.False(t, ok)

	assert.Panics(t, func() { e.createIdentity(0x30, &fakeConglom{id: 0x40}) }, "mismatched id")
}
