// Package conglomid packs conglomerate ids. The low 4 bits of an id name the
// factory that owns it and the remaining bits are a per-database sequence.
package conglomid

import (
	"fmt"
	"sync"

	"github.com/devrev/pairdb/store-access/internal/model"
)

const (
	// TagBits is the width of the factory tag
	TagBits = 4
	// TagMask extracts the factory tag
	TagMask = 0xF
	// MaxTag is the largest factory tag
	MaxTag = 15
	// MaxSequence is the largest sequence that still yields a positive id
	MaxSequence = int64(1)<<(63-TagBits) - 1
)

// Factory tags of the built-in implementations
const (
	TagHeap  = 0
	TagBTree = 1
)

// Encode packs a sequence and factory tag into an id
func Encode(sequence int64, tag int) (model.ConglomerateID, error) {
	if tag < 0 || tag > MaxTag {
		return 0, fmt.Errorf("factory tag %d out of range [0,%d]", tag, MaxTag)
	}
	if sequence < 0 || sequence > MaxSequence {
		return 0, fmt.Errorf("sequence %d out of range [0,%d]", sequence, MaxSequence)
	}
	return model.ConglomerateID(sequence<<TagBits | int64(tag)), nil
}

// Decode splits an id into its sequence and factory tag
func Decode(id model.ConglomerateID) (sequence int64, tag int) {
	return int64(id) >> TagBits, int(int64(id) & TagMask)
}

// Tag returns the factory tag of id
func Tag(id model.ConglomerateID) int {
	return int(int64(id) & TagMask)
}

// ContainerID is the raw store container backing a persistent conglomerate
func ContainerID(id model.ConglomerateID) model.ContainerID {
	return model.ContainerID(id)
}

// MaxContainerFunc returns the largest container id in the raw store
type MaxContainerFunc func() (model.ContainerID, error)

// Allocator hands out persistent conglomerate ids. It does not own a lock:
// callers pass the mutex shared with the conglomerate cache so that id
// allocation and cache identity changes serialize together.
type Allocator struct {
	mu     sync.Locker
	maxFn  MaxContainerFunc
	next   int64
	seeded bool
}

// NewAllocator returns an allocator guarded by mu and seeded lazily from maxFn
func NewAllocator(mu sync.Locker, maxFn MaxContainerFunc) *Allocator {
	return &Allocator{mu: mu, maxFn: maxFn}
}

// Seed forces the next sequence value. Used when a database is created.
func (a *Allocator) Seed(next int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = next
	a.seeded = true
}

// Next returns a new id for the given factory tag
func (a *Allocator) Next(tag int) (model.ConglomerateID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.seeded {
		max, err := a.maxFn()
		if err != nil {
			return 0, fmt.Errorf("failed to read max container id: %w", err)
		}
		a.next = (int64(max) >> TagBits) + 1
		a.seeded = true
	}

	id, err := Encode(a.next, tag)
	if err != nil {
		return 0, err
	}
	a.next++
	return id, nil
}

// Bump moves the sequence past id. The raw store may already hold a
// container for a freshly allocated id when counter updates were lost.
func (a *Allocator) Bump(id model.ConglomerateID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seq, _ := Decode(id)
	if !a.seeded || a.next <= seq {
		a.next = seq + 1
		a.seeded = true
	}
}
