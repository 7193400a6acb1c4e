// Package lrucache implements the bounded-size cache of spec §4.10: a fixed
// array of slots threaded into a recency-ordered circular doubly linked
// list, with a multimap from hash to slot index as the associative layer.
// All operations run under a single cache mutex — the list is small and
// every operation is O(1) except eviction, which is bounded.
package lrucache

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/concurrencylabs/cellstore/internal/list"
	"github.com/concurrencylabs/cellstore/multimap"
)

// Errors returned by the facade operations.
var (
	ErrDuplicateKey      = errors.New("lrucache: duplicate key")
	ErrNotFound          = errors.New("lrucache: not found")
	ErrCapacityExhausted = errors.New("lrucache: no evictable slot found within scan bound")
	ErrInvalidArgument   = errors.New("lrucache: invalid argument")
)

// EvictionScanBound caps how many tail candidates set_at will examine while
// looking for an evictable slot, per spec §4.10.
const EvictionScanBound = 256

// HashFunc computes the hash used to key the associative index.
type HashFunc[K any] func(key K) uint64

type cacheSlot[K comparable, V any] struct {
	list.Node // must stay the first field, see slotFromNode
	selfIdx   int
	inUse     bool
	key       K
	value     V
	hash      uint64
}

func slotFromNode[K comparable, V any](n *list.Node) *cacheSlot[K, V] {
	return (*cacheSlot[K, V])(unsafe.Pointer(n))
}

// Cache is a bounded-size, least-recently-used eviction cache.
type Cache[K comparable, V any] struct {
	mu     sync.Mutex
	slots  []cacheSlot[K, V]
	ring   list.List
	index  *multimap.Map[uint64, int]
	hashFn HashFunc[K]
	used   int
}

// New constructs a Cache holding at most capacity entries.
func New[K comparable, V any](capacity int, hashFn HashFunc[K]) (*Cache[K, V], error) {
	if capacity <= 0 || hashFn == nil {
		return nil, ErrInvalidArgument
	}
	idx, err := multimap.New[uint64, int](capacity, func(h uint64) uint64 { return h })
	if err != nil {
		return nil, err
	}
	c := &Cache[K, V]{
		slots:  make([]cacheSlot[K, V], capacity),
		index:  idx,
		hashFn: hashFn,
	}
	for i := range c.slots {
		c.slots[i].selfIdx = i
	}
	c.ring.Init()
	return c, nil
}

// SetAt inserts key/value. Refuses if the hash is already present (spec
// §4.10), claiming a fresh slot while capacity remains and otherwise
// evicting the oldest evictable tail candidate.
func (c *Cache[K, V]) SetAt(key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := c.hashFn(key)
	if pos, ok := c.index.LookupByKey(hash); ok {
		c.index.Release(pos)
		return ErrDuplicateKey
	}

	var s *cacheSlot[K, V]
	if c.used < len(c.slots) {
		s = &c.slots[c.used]
		c.used++
	} else {
		var ok bool
		s, ok = c.evictOne()
		if !ok {
			return ErrCapacityExhausted
		}
	}

	s.inUse = true
	s.key = key
	s.value = value
	s.hash = hash
	pos, err := c.index.SetAtHash(hash, hash, s.selfIdx)
	if err != nil {
		s.inUse = false
		return err
	}
	c.index.Release(pos)
	c.ring.PushFront(&s.Node)
	return nil
}

// evictOne scans up to EvictionScanBound tail candidates for one whose
// index reference can be cleaned up, detaches it from both the index and
// the ring, and returns it ready for reuse.
func (c *Cache[K, V]) evictOne() (*cacheSlot[K, V], bool) {
	cand := c.ring.Back()
	for i := 0; cand != nil && i < EvictionScanBound; i++ {
		s := slotFromNode[K, V](cand)
		next := c.ring.Prev(cand)
		if _, err := c.index.RemoveByHash(s.hash); err == nil {
			c.ring.Remove(cand)
			var zero V
			s.value = zero
			s.inUse = false
			return s, true
		}
		cand = next
	}
	return nil, false
}

// LookupByKey returns the value for key and moves its slot to the front of
// the recency order, or ok=false if absent.
func (c *Cache[K, V]) LookupByKey(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := c.hashFn(key)
	pos, found := c.index.LookupByKey(hash)
	if !found {
		var zero V
		return zero, false
	}
	slotIdx := pos.Value()
	c.index.Release(pos)

	s := &c.slots[slotIdx]
	if !s.inUse || s.key != key {
		var zero V
		return zero, false
	}
	c.ring.MoveToFront(&s.Node)
	return s.value, true
}

// RemoveByKey drops key from the cache and destroys its payload.
func (c *Cache[K, V]) RemoveByKey(key K) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	hash := c.hashFn(key)
	slotIdx, err := c.index.RemoveByHash(hash)
	if err != nil {
		return zero, ErrNotFound
	}
	s := &c.slots[slotIdx]
	if !s.inUse || s.key != key {
		return zero, ErrNotFound
	}
	v := s.value
	s.value = zero
	s.inUse = false
	c.ring.Remove(&s.Node)
	return v, nil
}

// Len returns the count of live entries, read under the cache's mutex.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.index.GetStat())
}
