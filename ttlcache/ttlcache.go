// Package ttlcache implements the time-expiring cache of spec §4.11: a
// fixed array of cells driven by the same lifecycle state machine as the
// rest of the container family, plus a parallel "recency heap" — an
// approximate, soft-ordered array of cell indices that frequently touched
// entries bubble toward the front of. Expiry is not enforced eagerly by
// every operation: a lookup on a timed-out entry reports a miss without
// mutating cell state, and an explicit Maintain sweep is what actually
// transitions expired cells back to FREE and purges the associative index.
package ttlcache

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/concurrencylabs/cellstore/cell"
	"github.com/concurrencylabs/cellstore/multimap"
)

// Errors returned by the facade operations.
var (
	ErrDuplicateKey      = errors.New("ttlcache: duplicate key")
	ErrNotFound          = errors.New("ttlcache: not found")
	ErrCapacityExhausted = errors.New("ttlcache: no reusable slot found")
	ErrDrainTimeout      = errors.New("ttlcache: remove drain timed out, cell left pending")
	ErrInvalidArgument   = errors.New("ttlcache: invalid argument")
)

// MaxCapacity is the largest capacity supported, imposed by the 16-bit
// recency index (spec §4.11).
const MaxCapacity = 65535

// HashFunc computes the hash used to key the associative index.
type HashFunc[K any] func(key K) uint64

type ttlEntry[K comparable, V any] struct {
	key   K
	hash  uint64
	value V
}

// Cache is a bounded-capacity, time-expiring cache.
type Cache[K comparable, V any] struct {
	cells       []cell.Cell[ttlEntry[K, V]]
	lastTouch   []atomic.Int64
	recency     []atomic.Uint32 // recency[pos] = cell index; pos 0 is most recently touched
	posOf       []atomic.Uint32 // posOf[cellIdx] = its current position in recency
	index       *multimap.Map[uint64, int]
	hashFn      HashFunc[K]
	ttl         time.Duration
	clock       func() time.Time
	spinCounter int
	sleep       func(time.Duration)

	maintainGroup singleflight.Group
}

// Option configures a Cache at construction.
type Option[K comparable, V any] func(*Cache[K, V])

// WithSpinCounter overrides how many times Remove/eviction spins waiting
// for concurrent readers to drain before giving up. Default:
// cell.DefaultSpinCounter.
func WithSpinCounter[K comparable, V any](n int) Option[K, V] {
	return func(c *Cache[K, V]) { c.spinCounter = n }
}

// WithSleep overrides the cooperative sleep invoked between drain spins.
// Default: time.Sleep.
func WithSleep[K comparable, V any](fn func(time.Duration)) Option[K, V] {
	return func(c *Cache[K, V]) { c.sleep = fn }
}

// WithClock overrides the wall-clock source. Default: time.Now. Tests
// substitute a controllable clock instead of sleeping for real TTLs.
func WithClock[K comparable, V any](fn func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.clock = fn }
}

// New constructs a Cache holding at most capacity entries, each expiring
// ttl after its last touch. Capacity above MaxCapacity is rejected.
func New[K comparable, V any](capacity int, ttl time.Duration, hashFn HashFunc[K], opts ...Option[K, V]) (*Cache[K, V], error) {
	if capacity <= 0 || capacity > MaxCapacity || ttl <= 0 || hashFn == nil {
		return nil, ErrInvalidArgument
	}
	idx, err := multimap.New[uint64, int](capacity, func(h uint64) uint64 { return h })
	if err != nil {
		return nil, err
	}
	c := &Cache[K, V]{
		cells:     make([]cell.Cell[ttlEntry[K, V]], capacity),
		lastTouch: make([]atomic.Int64, capacity),
		recency:   make([]atomic.Uint32, capacity),
		posOf:     make([]atomic.Uint32, capacity),
		index:     idx,
		hashFn:    hashFn,
		ttl:       ttl,
		spinCounter: cell.DefaultSpinCounter,
	}
	for i := range c.recency {
		c.recency[i].Store(uint32(i))
		c.posOf[i].Store(uint32(i))
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.sleep == nil {
		c.sleep = time.Sleep
	}
	return c, nil
}

// SetAt inserts key/value, refusing a duplicate hash, claiming a free cell
// while capacity remains and otherwise evicting the least-recently-touched
// live cell to make room. Rediscovering an existing key still refreshes
// its touch timestamp before refusing — set_at-of-existing-key counts as
// an access, the same as a lookup.
func (c *Cache[K, V]) SetAt(key K, value V) error {
	hash := c.hashFn(key)
	if pos, ok := c.index.LookupByKey(hash); ok {
		existingIdx := pos.Value()
		c.index.Release(pos)
		c.lastTouch[existingIdx].Store(c.clock().UnixNano())
		c.bubbleUp(existingIdx)
		return ErrDuplicateKey
	}

	idx, ok := c.claimFreeCell()
	if !ok {
		idx, ok = c.evictLeastRecent()
		if !ok {
			return ErrCapacityExhausted
		}
	}

	cl := &c.cells[idx]
	entry := ttlEntry[K, V]{key: key, hash: hash, value: value}
	cl.SetPayload(&entry)
	cl.Publish()
	c.lastTouch[idx].Store(c.clock().UnixNano())

	pos, err := c.index.SetAtHash(hash, hash, idx)
	if err != nil {
		// lost a race against a concurrent SetAt for the same hash; undo
		// the cell claim we just made.
		cl.BeginRemove(false, c.spinCounter, c.sleep)
		cl.Finish()
		return ErrDuplicateKey
	}
	c.index.Release(pos)
	c.bubbleUp(idx)
	return nil
}

func (c *Cache[K, V]) claimFreeCell() (int, bool) {
	for i := range c.cells {
		cl := &c.cells[i]
		switch cl.Status() {
		case cell.Free:
			if cl.TryClaim() {
				return i, true
			}
		case cell.Dead:
			if cl.ResumeDrain(c.spinCounter, c.sleep) {
				cl.Finish()
				if cl.TryClaim() {
					return i, true
				}
			}
		}
	}
	return 0, false
}

// evictLeastRecent scans the recency order from its tail (the
// least-recently-touched end) for a live cell it can successfully remove,
// bounded the same way the LRU cache's eviction scan is.
func (c *Cache[K, V]) evictLeastRecent() (int, bool) {
	n := len(c.recency)
	bound := n
	if bound > 256 {
		bound = 256
	}
	for i := 0; i < bound; i++ {
		pos := n - 1 - i
		idx := int(c.recency[pos].Load())
		cl := &c.cells[idx]
		if cl.Status() != cell.Live {
			continue
		}
		payload, ok := cl.TryAcquireRead()
		if !ok {
			continue
		}
		hash := payload.hash
		cl.ReleaseRead()
		if !cl.BeginRemove(false, c.spinCounter, c.sleep) {
			continue
		}
		cl.Finish()
		c.index.RemoveByHash(hash)
		if cl.TryClaim() {
			return idx, true
		}
	}
	return 0, false
}

// LookupByKey returns the value for key, refreshing its touch timestamp
// and bubbling it toward the front of the recency order. An entry whose
// TTL has lapsed is reported as a miss without mutating cell state — only
// Maintain actually reclaims expired cells.
func (c *Cache[K, V]) LookupByKey(key K) (value V, ok bool) {
	var zero V
	hash := c.hashFn(key)
	pos, found := c.index.LookupByKey(hash)
	if !found {
		return zero, false
	}
	idx := pos.Value()
	c.index.Release(pos)

	cl := &c.cells[idx]
	payload, acquired := cl.TryAcquireRead()
	if !acquired {
		return zero, false
	}
	defer cl.ReleaseRead()
	if payload.key != key {
		return zero, false
	}

	now := c.clock().UnixNano()
	last := c.lastTouch[idx].Load()
	if now-last > int64(c.ttl) {
		return zero, false
	}
	c.lastTouch[idx].Store(now)
	c.bubbleUp(idx)
	return payload.value, true
}

// RemoveByKey drops key from the cache, regardless of TTL state.
func (c *Cache[K, V]) RemoveByKey(key K) (V, error) {
	var zero V
	hash := c.hashFn(key)
	idx, err := c.index.RemoveByHash(hash)
	if err != nil {
		return zero, ErrNotFound
	}
	cl := &c.cells[idx]
	if !cl.BeginRemove(false, c.spinCounter, c.sleep) {
		return zero, ErrDrainTimeout
	}
	v := cl.Finish()
	if v == nil {
		return zero, nil
	}
	return v.value, nil
}

// Maintain sweeps the recency order once, reclaiming every live cell whose
// TTL has lapsed: moving it LIVE→KILL→ERAS→FREE through BeginRemove and
// Finish, and purging its associative index entry. An expired cell is not
// marked DEAD first; it is left DEAD only when its drain times out, in
// which case it is skipped and not counted (claimFreeCell reclaims it
// later). Returns the number of entries reclaimed.
//
// Concurrent callers collapse onto a single in-flight sweep via
// singleflight, rather than each walking the full recency array
// redundantly — the same instinct behind the teacher's sync.Once/sync.Pool
// reuse, applied to a periodic maintenance pass instead of a one-time
// initializer.
func (c *Cache[K, V]) Maintain() int {
	v, _, _ := c.maintainGroup.Do("sweep", func() (any, error) {
		return c.maintainOnce(), nil
	})
	return v.(int)
}

func (c *Cache[K, V]) maintainOnce() int {
	now := c.clock().UnixNano()
	reclaimed := 0
	for pos := range c.recency {
		idx := int(c.recency[pos].Load())
		cl := &c.cells[idx]
		if cl.Status() != cell.Live {
			continue
		}
		if now-c.lastTouch[idx].Load() <= int64(c.ttl) {
			continue
		}
		payload, ok := cl.TryAcquireRead()
		if !ok {
			continue
		}
		hash := payload.hash
		cl.ReleaseRead()
		if !cl.BeginRemove(false, c.spinCounter, c.sleep) {
			continue
		}
		cl.Finish()
		c.index.RemoveByHash(hash)
		reclaimed++
	}
	return reclaimed
}

// GetStat returns the approximate live-entry count, per the associative
// index — not reduced by lapsed TTLs until a Maintain call reclaims them.
func (c *Cache[K, V]) GetStat() int64 {
	return c.index.GetStat()
}

// bubbleUp moves idx one step toward the front of the recency order. The
// swap is a plain (non-CAS) best-effort exchange: concurrent bubbles may
// race and leave the order only approximately correct, which is sufficient
// for a "soft" recency heap (spec §4.11's Open Question on this point).
func (c *Cache[K, V]) bubbleUp(idx int) {
	p := c.posOf[idx].Load()
	if p == 0 {
		return
	}
	other := c.recency[p-1].Load()
	c.recency[p-1].Store(uint32(idx))
	c.recency[p].Store(other)
	c.posOf[idx].Store(p - 1)
	c.posOf[other].Store(p)
}
