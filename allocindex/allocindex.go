// Package allocindex implements the index allocation cache of spec §4.5: a
// fixed-size pool of one size class, arbitrated with a per-slot refcount
// and an atomically-advanced cursor rather than a free list, trading a
// little probing for zero pointer-chasing on the hot path.
package allocindex

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Errors of this package, per spec §7. New returns ErrInvalidArgument; Get
// and Revert report failure as a plain bool.
var (
	ErrCapacityExhausted = errors.New("allocindex: capacity exhausted")
	ErrAlienPointer      = errors.New("allocindex: pointer not owned by this pool")
	ErrInvalidArgument   = errors.New("allocindex: invalid argument")
)

// Stats is a point-in-time, non-synchronizing snapshot (spec §6: "get_stat
// — approximate").
type Stats struct {
	Capacity  int
	Used      int64
	Allocs    uint64
	Reverts   uint64
	Fallbacks uint64
}

// Fallback is the auxiliary allocator consulted when the pool is full or
// an alien pointer is reverted, unless
// NoFallback is set (spec §4.5: "fall back to an auxiliary allocator, or
// fail per the no-fallback flag").
type Fallback[V any] interface {
	Get() (*V, bool)
	Put(*V) bool
}

// Diagnostics is notified of conditions Get/Revert hand back as a plain
// bool, with no room for detail. obslog.Logger satisfies this.
type Diagnostics interface {
	CapacityExhausted(pool string, capacity int)
	AlienPointer(pool string)
}

// Pool is a fixed-capacity, fixed-slot-type buffer pool. V stands in for
// spec's "buffer of size B" — the slot size is sizeof(V), fixed at
// instantiation, rather than a runtime byte count, which is the idiomatic
// Go rendition of a fixed-size-class allocator.
type Pool[V any] struct {
	storage     []V
	refs        []atomic.Int32
	cursor      atomic.Uint64
	used        atomic.Int64
	allocs      atomic.Uint64
	reverts     atomic.Uint64
	fallbacks   atomic.Uint64
	searchDepth int
	noFallback  bool
	fallback    Fallback[V]
	diag        Diagnostics
}

// Option configures a Pool at construction.
type Option[V any] func(*Pool[V])

// WithSearchDepth overrides the number of slots probed per Get before
// falling back (spec §4.5's "search_depth"). Default: 8.
func WithSearchDepth[V any](depth int) Option[V] {
	return func(p *Pool[V]) { p.searchDepth = depth }
}

// WithNoFallback disables the auxiliary allocator: Get fails outright on
// exhaustion and Revert fails outright on an alien pointer.
func WithNoFallback[V any]() Option[V] {
	return func(p *Pool[V]) { p.noFallback = true }
}

// WithFallback installs an auxiliary allocator.
func WithFallback[V any](f Fallback[V]) Option[V] {
	return func(p *Pool[V]) { p.fallback = f }
}

// WithDiagnostics reports capacity-exhausted and alien-pointer conditions to
// d, in addition to the bool Get/Revert already return.
func WithDiagnostics[V any](d Diagnostics) Option[V] {
	return func(p *Pool[V]) { p.diag = d }
}

// New constructs a Pool of the given capacity. Returns ErrInvalidArgument
// if capacity <= 0.
func New[V any](capacity int, opts ...Option[V]) (*Pool[V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidArgument
	}
	p := &Pool[V]{
		storage:     make([]V, capacity),
		refs:        make([]atomic.Int32, capacity),
		searchDepth: 8,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.searchDepth <= 0 || p.searchDepth > capacity {
		p.searchDepth = capacity
	}
	return p, nil
}

// IsSizeEnough reports whether a request of the given byte size fits a
// slot (spec §6 facade: is_size_enough).
func (p *Pool[V]) IsSizeEnough(size int) bool {
	return size <= int(unsafe.Sizeof(p.storage[0]))
}

// Get claims a free slot and returns a pointer to it, or falls back/fails.
// On success the returned *V's previous contents are whatever the last
// occupant left behind — containers using Pool are responsible for
// reinitializing fields they depend on, mirroring the original library's
// "dead store after deallocate is a hint, not an observable contract".
func (p *Pool[V]) Get() (*V, bool) {
	capacity := int64(len(p.storage))
	if p.used.Load() < capacity {
		start := p.cursor.Add(1)
		for i := 0; i < p.searchDepth; i++ {
			idx := int((start + uint64(i)) % uint64(len(p.storage)))
			if p.refs[idx].CompareAndSwap(0, 1) {
				p.used.Add(1)
				p.allocs.Add(1)
				return &p.storage[idx], true
			}
		}
	}
	if p.noFallback || p.fallback == nil {
		if p.diag != nil {
			p.diag.CapacityExhausted("allocindex", len(p.storage))
		}
		return nil, false
	}
	p.fallbacks.Add(1)
	return p.fallback.Get()
}

// Revert returns buf to the pool, or delegates to the fallback allocator
// if buf's address does not lie within this pool's storage.
func (p *Pool[V]) Revert(buf *V) bool {
	idx, ok := p.indexOf(buf)
	if !ok {
		if p.noFallback || p.fallback == nil {
			if p.diag != nil {
				p.diag.AlienPointer("allocindex")
			}
			return false
		}
		return p.fallback.Put(buf)
	}
	if !p.refs[idx].CompareAndSwap(1, 0) {
		return false
	}
	p.used.Add(-1)
	p.reverts.Add(1)
	// bias the cursor toward the just-freed slot to improve locality: Get
	// advances the cursor before probing, so the next Get starts at idx.
	p.cursor.Store(uint64(idx) - 1)
	return true
}

// IsAddressFromCache reports whether buf was returned by Get on this pool
// and has not yet been reverted (spec §8 invariant 2).
func (p *Pool[V]) IsAddressFromCache(buf *V) bool {
	idx, ok := p.indexOf(buf)
	return ok && p.refs[idx].Load() == 1
}

func (p *Pool[V]) indexOf(buf *V) (int, bool) {
	if buf == nil || len(p.storage) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&p.storage[0]))
	end := base + uintptr(len(p.storage))*unsafe.Sizeof(p.storage[0])
	addr := uintptr(unsafe.Pointer(buf))
	if addr < base || addr >= end {
		return 0, false
	}
	idx := int((addr - base) / unsafe.Sizeof(p.storage[0]))
	return idx, true
}

// IsEmpty reports whether no slots are currently taken.
func (p *Pool[V]) IsEmpty() bool {
	return p.used.Load() == 0
}

// Stats returns a non-synchronizing snapshot of pool usage.
func (p *Pool[V]) Stats() Stats {
	return Stats{
		Capacity:  len(p.storage),
		Used:      p.used.Load(),
		Allocs:    p.allocs.Load(),
		Reverts:   p.reverts.Load(),
		Fallbacks: p.fallbacks.Load(),
	}
}
