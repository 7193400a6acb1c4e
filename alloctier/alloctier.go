// Package alloctier implements the tiered allocation cache array of spec
// §4.7: K pools of geometrically growing slot size, Get picks the smallest
// pool that fits and tries up to three consecutive pools before falling
// back, Revert locates the owning pool by address range.
//
// Unlike allocindex/allocqueue (which are generic over a fixed Go type,
// since a single size class is known at compile time), a tier's slot size
// is a runtime configuration value, so this package manages raw []byte
// slabs directly — the idiomatic Go equivalent of the original's
// byte-addressed storage array.
package alloctier

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Errors, per spec §7.
var (
	ErrCapacityExhausted = errors.New("alloctier: capacity exhausted")
	ErrAlienPointer      = errors.New("alloctier: pointer not owned by this array")
	ErrInvalidArgument   = errors.New("alloctier: invalid argument")
)

// MaxConsecutiveTiers bounds how many progressively larger tiers Get will
// try before giving up, per spec §4.7 ("trying up to 3 consecutive
// pools").
const MaxConsecutiveTiers = 3

// TierConfig describes one size class.
type TierConfig struct {
	SlotSize    int
	Capacity    int
	SearchDepth int // 0 uses a sensible default
}

// Stats is an aggregate, non-synchronizing usage snapshot across all
// tiers.
type Stats struct {
	TierCount int
	Used      int64
	Allocs    uint64
	Reverts   uint64
	Fallbacks uint64
}

type bytePool struct {
	storage     []byte
	slotSize    int
	refs        []atomic.Int32
	cursor      atomic.Uint64
	used        atomic.Int64
	allocs      atomic.Uint64
	reverts     atomic.Uint64
	searchDepth int
}

func newBytePool(slotSize, capacity, searchDepth int) *bytePool {
	if searchDepth <= 0 || searchDepth > capacity {
		searchDepth = capacity
	}
	return &bytePool{
		storage:     make([]byte, slotSize*capacity),
		slotSize:    slotSize,
		refs:        make([]atomic.Int32, capacity),
		searchDepth: searchDepth,
	}
}

func (b *bytePool) slotCount() int { return len(b.refs) }

func (b *bytePool) get() ([]byte, bool) {
	n := int64(b.slotCount())
	if n == 0 || b.used.Load() >= n {
		return nil, false
	}
	start := b.cursor.Add(1)
	for i := 0; i < b.searchDepth; i++ {
		idx := int((start + uint64(i)) % uint64(b.slotCount()))
		if b.refs[idx].CompareAndSwap(0, 1) {
			b.used.Add(1)
			b.allocs.Add(1)
			return b.storage[idx*b.slotSize : (idx+1)*b.slotSize], true
		}
	}
	return nil, false
}

func (b *bytePool) indexOf(buf []byte) (int, bool) {
	if len(buf) == 0 || b.slotCount() == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&b.storage[0]))
	end := base + uintptr(len(b.storage))
	addr := uintptr(unsafe.Pointer(&buf[0]))
	if addr < base || addr >= end {
		return 0, false
	}
	return int((addr - base) / uintptr(b.slotSize)), true
}

func (b *bytePool) revert(buf []byte) bool {
	idx, ok := b.indexOf(buf)
	if !ok {
		return false
	}
	if !b.refs[idx].CompareAndSwap(1, 0) {
		return false
	}
	b.used.Add(-1)
	b.reverts.Add(1)
	b.cursor.Store(uint64(idx))
	return true
}

// Diagnostics is notified of conditions Get/Revert hand back as a plain
// bool, with no room for detail. obslog.Logger satisfies this.
type Diagnostics interface {
	CapacityExhausted(pool string, capacity int)
	AlienPointer(pool string)
}

// Array is the tiered cache array facade.
type Array struct {
	tiers      []*bytePool
	fallbacks  atomic.Uint64
	fallbackFn func(size int) ([]byte, bool)
	fallbackPt func([]byte) bool
	diag       Diagnostics
}

// Option configures an Array at construction.
type Option func(*Array)

// WithFallback installs an auxiliary allocator used once
// MaxConsecutiveTiers pools have all failed/been exhausted, and for
// Revert of an address this Array does not own.
func WithFallback(get func(size int) ([]byte, bool), put func([]byte) bool) Option {
	return func(a *Array) {
		a.fallbackFn = get
		a.fallbackPt = put
	}
}

// WithDiagnostics reports capacity-exhausted and alien-pointer conditions to
// d, in addition to the bool Get/Revert already return.
func WithDiagnostics(d Diagnostics) Option {
	return func(a *Array) { a.diag = d }
}

// New builds an Array from tiers sorted by ascending SlotSize. Returns
// ErrInvalidArgument if tiers is empty, not sorted ascending, or any tier
// has a non-positive SlotSize/Capacity.
func New(tiers []TierConfig, opts ...Option) (*Array, error) {
	if len(tiers) == 0 {
		return nil, ErrInvalidArgument
	}
	a := &Array{}
	prev := 0
	for _, tc := range tiers {
		if tc.SlotSize <= 0 || tc.Capacity <= 0 || tc.SlotSize <= prev {
			return nil, ErrInvalidArgument
		}
		prev = tc.SlotSize
		a.tiers = append(a.tiers, newBytePool(tc.SlotSize, tc.Capacity, tc.SearchDepth))
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Get returns a buffer of at least size bytes from the smallest tier that
// fits, trying up to MaxConsecutiveTiers progressively larger tiers before
// falling back.
func (a *Array) Get(size int) ([]byte, bool) {
	start := -1
	for i, t := range a.tiers {
		if t.slotSize >= size {
			start = i
			break
		}
	}
	if start >= 0 {
		end := start + MaxConsecutiveTiers
		if end > len(a.tiers) {
			end = len(a.tiers)
		}
		for i := start; i < end; i++ {
			if buf, ok := a.tiers[i].get(); ok {
				return buf, true
			}
		}
	}
	if a.fallbackFn == nil {
		if a.diag != nil {
			a.diag.CapacityExhausted("alloctier", len(a.tiers))
		}
		return nil, false
	}
	a.fallbacks.Add(1)
	return a.fallbackFn(size)
}

// Revert locates the owning tier by address range and returns the buffer
// to it, or delegates to the fallback allocator.
func (a *Array) Revert(buf []byte) bool {
	for _, t := range a.tiers {
		if t.revert(buf) {
			return true
		}
	}
	if a.fallbackPt != nil {
		return a.fallbackPt(buf)
	}
	if a.diag != nil {
		a.diag.AlienPointer("alloctier")
	}
	return false
}

// IsAddressFromCache reports whether buf lies within any tier's storage.
func (a *Array) IsAddressFromCache(buf []byte) bool {
	for _, t := range a.tiers {
		if _, ok := t.indexOf(buf); ok {
			return true
		}
	}
	return false
}

// IsSizeEnough reports whether any tier could serve a request of size
// bytes.
func (a *Array) IsSizeEnough(size int) bool {
	if len(a.tiers) == 0 {
		return false
	}
	return a.tiers[len(a.tiers)-1].slotSize >= size
}

// IsEmpty reports whether every tier currently has zero slots taken.
func (a *Array) IsEmpty() bool {
	return a.Stats().Used == 0
}

// Stats aggregates usage across all tiers.
func (a *Array) Stats() Stats {
	s := Stats{TierCount: len(a.tiers), Fallbacks: a.fallbacks.Load()}
	for _, t := range a.tiers {
		s.Used += t.used.Load()
		s.Allocs += t.allocs.Load()
		s.Reverts += t.reverts.Load()
	}
	return s
}
