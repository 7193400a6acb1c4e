// Package allocqueue implements the queue allocation cache of spec §4.6:
// same shape as allocindex, but free slots are linked into a lock-free
// stack of indices rather than probed for directly. A single packed
// atomic word — (index, generation counter) — drives every push/pop CAS,
// the Michael–Scott technique of folding a pointer and an ABA-defeating
// counter into one compare-and-swappable word.
package allocqueue

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Errors of this package, per spec §7. New returns ErrInvalidArgument or
// ErrIndexWidth; Get and Revert report failure as a plain bool.
var (
	ErrCapacityExhausted = errors.New("allocqueue: capacity exhausted")
	ErrAlienPointer      = errors.New("allocqueue: pointer not owned by this pool")
	ErrInvalidArgument   = errors.New("allocqueue: invalid argument")
	ErrIndexWidth        = errors.New("allocqueue: capacity too large for index width")
)

// IndexBits is the width of the index field packed into the head word; the
// remaining 64-IndexBits bits are the generation counter. The sentinel
// value (1<<IndexBits)-1 denotes "no such slot" (spec §4.6, §3).
const IndexBits = 24

const sentinel = uint32(1)<<IndexBits - 1

// Stats is a non-synchronizing usage snapshot.
type Stats struct {
	Capacity  int
	Used      int64
	Allocs    uint64
	Reverts   uint64
	Fallbacks uint64
}

// Fallback is the auxiliary allocator consulted on exhaustion/alien
// pointers, as in allocindex.
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

// Pool is a fixed-capacity buffer pool whose free slots form a lock-free
// stack of indices.
type Pool[V any] struct {
	storage    []V
	next       []uint32
	top        atomic.Uint64
	used       atomic.Int64
	allocs     atomic.Uint64
	reverts    atomic.Uint64
	fallbacks  atomic.Uint64
	tryCounter int
	noFallback bool
	fallback   Fallback[V]
	diag       Diagnostics
}

// Option configures a Pool at construction.
type Option[V any] func(*Pool[V])

// WithTryCounter overrides the number of CAS attempts Get/Revert make
// before giving up and falling back (spec §4.6's "TRY_COUNTER"). Default:
// 32.
func WithTryCounter[V any](n int) Option[V] {
	return func(p *Pool[V]) { p.tryCounter = n }
}

// WithNoFallback disables the auxiliary allocator.
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

// New constructs a Pool of the given capacity, chaining all slots into the
// free stack. Enforces spec §4.6's constructor invariant that capacity
// must be strictly less than the sentinel index.
func New[V any](capacity int, opts ...Option[V]) (*Pool[V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidArgument
	}
	if uint32(capacity) >= sentinel {
		return nil, ErrIndexWidth
	}
	p := &Pool[V]{
		storage:    make([]V, capacity),
		next:       make([]uint32, capacity),
		tryCounter: 32,
	}
	for i := 0; i < capacity; i++ {
		if i == capacity-1 {
			p.next[i] = sentinel
		} else {
			p.next[i] = uint32(i + 1)
		}
	}
	p.top.Store(pack(0, 0))
	for _, opt := range opts {
		opt(p)
	}
	if p.tryCounter <= 0 {
		p.tryCounter = 32
	}
	return p, nil
}

func pack(idx uint32, counter uint64) uint64 {
	return uint64(idx) | counter<<IndexBits
}

func unpack(w uint64) (idx uint32, counter uint64) {
	return uint32(w & uint64(sentinel)), w >> IndexBits
}

// Get pops a free slot off the stack, or falls back/fails once TRY_COUNTER
// CAS attempts have been exhausted or the stack is observed empty.
func (p *Pool[V]) Get() (*V, bool) {
	for i := 0; i < p.tryCounter; i++ {
		old := p.top.Load()
		idx, counter := unpack(old)
		if idx == sentinel {
			break
		}
		nextIdx := p.next[idx]
		if p.top.CompareAndSwap(old, pack(nextIdx, counter+1)) {
			p.used.Add(1)
			p.allocs.Add(1)
			p.next[idx] = sentinel
			return &p.storage[idx], true
		}
	}
	if p.noFallback || p.fallback == nil {
		if p.diag != nil {
			p.diag.CapacityExhausted("allocqueue", len(p.storage))
		}
		return nil, false
	}
	p.fallbacks.Add(1)
	return p.fallback.Get()
}

// Revert pushes buf's slot back onto the free stack, or delegates to the
// fallback allocator if buf is not owned by this pool.
func (p *Pool[V]) Revert(buf *V) bool {
	idx, ok := p.indexOf(buf)
	if !ok {
		if p.noFallback || p.fallback == nil {
			if p.diag != nil {
				p.diag.AlienPointer("allocqueue")
			}
			return false
		}
		return p.fallback.Put(buf)
	}
	for i := 0; i < p.tryCounter; i++ {
		old := p.top.Load()
		headIdx, counter := unpack(old)
		p.next[idx] = headIdx
		if p.top.CompareAndSwap(old, pack(uint32(idx), counter+1)) {
			p.used.Add(-1)
			p.reverts.Add(1)
			return true
		}
	}
	return false
}

// IsAddressFromCache reports whether buf lies within this pool's storage.
// Unlike allocindex, a single bit cannot distinguish "taken" from "free"
// without walking the stack, so this only checks address range: it also
// reports true for a slot that is currently free.
func (p *Pool[V]) IsAddressFromCache(buf *V) bool {
	_, ok := p.indexOf(buf)
	return ok
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
	return int((addr - base) / unsafe.Sizeof(p.storage[0])), true
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
