// Package bucketmap implements the partial-lock alternative multimap of
// spec §4.3: a bucketed hash table with one short-critical-section mutex
// per bucket, each bucket holding a circular doubly linked list of entries.
// Where multimap trades locks for a CAS state machine, bucketmap trades the
// state machine for a conventional mutex — the two are interchangeable at
// the level of the operations they expose.
package bucketmap

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/concurrencylabs/cellstore/internal/list"
)

// Errors returned by the facade operations, per spec §7.
var (
	ErrDuplicateKey    = errors.New("bucketmap: duplicate key")
	ErrNotFound        = errors.New("bucketmap: not found")
	ErrDrainTimeout    = errors.New("bucketmap: remove drain timed out, entry left pending")
	ErrInvalidArgument = errors.New("bucketmap: invalid argument")
)

type status uint32

const (
	statusLive status = iota
	// statusKill marks an entry mid-removal: CAS'd off statusLive so no new
	// lookup can find it, while Remove spins waiting for outstanding readers.
	statusKill
	// statusDead marks an entry whose drain spin exhausted its budget. It
	// stays linked in its bucket's list, invisible to lookups and cursor
	// yields, until a later pass (Cursor.Next or Maintain) observes its
	// refcount has reached zero and unlinks it.
	statusDead
)

type entry[K comparable, V any] struct {
	list.Node // must stay the first field: Position recovers *entry by address
	key       K
	hash      uint64
	value     V
	status    atomic.Uint32
	ref       atomic.Int32
}

// entryFromNode recovers the owning *entry from a *list.Node obtained via
// list traversal. Safe because list.Node is embedded as entry's first
// field, so the two pointers share an address — the standard intrusive
// container-of pattern.
func entryFromNode[K comparable, V any](n *list.Node) *entry[K, V] {
	return (*entry[K, V])(unsafe.Pointer(n))
}

// HashFunc computes the hash used to pick a bucket and match entries.
type HashFunc[K any] func(key K) uint64

type bucket[K comparable, V any] struct {
	mu    sync.Mutex
	items list.List
	count atomic.Int64
}

// DrainObserver is notified when Remove's spin-wait for readers exhausts
// its budget, leaving an entry pending rather than unlinked. obslog.Logger
// satisfies this.
type DrainObserver interface {
	DrainTimeout(container string, key any, spins int)
}

// Map is the partial-lock multimap facade.
type Map[K comparable, V any] struct {
	buckets     []bucket[K, V]
	hashFn      HashFunc[K]
	spinCounter int
	sleep       func(time.Duration)
	diag        DrainObserver
}

// Option configures a Map at construction.
type Option[K comparable, V any] func(*Map[K, V])

// WithSpinCounter overrides how many times Remove spins waiting for
// concurrent readers to drain before giving up. Default: 64.
func WithSpinCounter[K comparable, V any](n int) Option[K, V] {
	return func(m *Map[K, V]) { m.spinCounter = n }
}

// WithSleep overrides the cooperative sleep invoked between drain spins.
// Default: time.Sleep.
func WithSleep[K comparable, V any](fn func(time.Duration)) Option[K, V] {
	return func(m *Map[K, V]) { m.sleep = fn }
}

// WithDrainObserver reports every ErrDrainTimeout to o, in addition to
// returning it to the caller.
func WithDrainObserver[K comparable, V any](o DrainObserver) Option[K, V] {
	return func(m *Map[K, V]) { m.diag = o }
}

// New constructs a Map with the given number of buckets. Returns
// ErrInvalidArgument if bucketCount <= 0 or hashFn is nil.
func New[K comparable, V any](bucketCount int, hashFn HashFunc[K], opts ...Option[K, V]) (*Map[K, V], error) {
	if bucketCount <= 0 || hashFn == nil {
		return nil, ErrInvalidArgument
	}
	m := &Map[K, V]{
		buckets:     make([]bucket[K, V], bucketCount),
		hashFn:      hashFn,
		spinCounter: 64,
	}
	for i := range m.buckets {
		m.buckets[i].items.Init()
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sleep == nil {
		m.sleep = time.Sleep
	}
	return m, nil
}

func (m *Map[K, V]) bucketFor(hash uint64) *bucket[K, V] {
	return &m.buckets[hash%uint64(len(m.buckets))]
}

// Position identifies a located entry and holds the read reference taken
// out on it. Exactly one Release (or Remove) must follow each successful
// acquire.
type Position[K comparable, V any] struct {
	b *bucket[K, V]
	e *entry[K, V]
}

func (p Position[K, V]) valid() bool { return p.e != nil }

// Key returns the key held at this position.
func (p Position[K, V]) Key() K { return p.e.key }

// Hash returns the hash held at this position.
func (p Position[K, V]) Hash() uint64 { return p.e.hash }

// Value returns the payload held at this position, valid until Release.
func (p Position[K, V]) Value() V { return p.e.value }

// Release drops the reference held by pos.
func (m *Map[K, V]) Release(pos Position[K, V]) {
	if !pos.valid() {
		return
	}
	pos.e.ref.Add(-1)
}

// SetAt inserts key/value, computing the hash via the Map's HashFunc.
func (m *Map[K, V]) SetAt(key K, value V) (Position[K, V], error) {
	return m.SetAtHash(key, m.hashFn(key), value)
}

// SetAtHash inserts key/value using a caller-supplied precomputed hash.
func (m *Map[K, V]) SetAtHash(key K, hash uint64, value V) (Position[K, V], error) {
	b := m.bucketFor(hash)
	b.mu.Lock()
	for n := b.items.Front(); n != nil; n = b.items.Next(n) {
		e := entryFromNode[K, V](n)
		if status(e.status.Load()) == statusLive && e.key == key && e.hash == hash {
			b.mu.Unlock()
			return Position[K, V]{}, ErrDuplicateKey
		}
	}
	e := &entry[K, V]{key: key, hash: hash, value: value}
	e.status.Store(uint32(statusLive))
	e.ref.Store(1)
	b.items.PushFront(&e.Node)
	b.count.Add(1)
	b.mu.Unlock()
	return Position[K, V]{b: b, e: e}, nil
}

// LookupByKey locates the live entry matching key.
func (m *Map[K, V]) LookupByKey(key K) (Position[K, V], bool) {
	return m.LookupByKeyHash(key, m.hashFn(key))
}

// LookupByKeyHash is LookupByKey with a precomputed hash.
func (m *Map[K, V]) LookupByKeyHash(key K, hash uint64) (Position[K, V], bool) {
	return m.lookup(hash, func(e *entry[K, V]) bool {
		return e.key == key && e.hash == hash
	})
}

// LookupByHash returns a position on any one entry whose hash matches,
// regardless of key.
func (m *Map[K, V]) LookupByHash(hash uint64) (Position[K, V], bool) {
	return m.lookup(hash, func(e *entry[K, V]) bool {
		return e.hash == hash
	})
}

func (m *Map[K, V]) lookup(hash uint64, match func(*entry[K, V]) bool) (Position[K, V], bool) {
	b := m.bucketFor(hash)
	b.mu.Lock()
	defer b.mu.Unlock()
	for n := b.items.Front(); n != nil; n = b.items.Next(n) {
		e := entryFromNode[K, V](n)
		if status(e.status.Load()) == statusLive && match(e) {
			e.ref.Add(1)
			return Position[K, V]{b: b, e: e}, true
		}
	}
	return Position[K, V]{}, false
}

// Remove removes the entry at pos. Marks the entry KILL so no new lookup
// can find it, releases pos's own reference, then spins waiting for any
// other concurrent readers to release before unlinking under the bucket
// mutex. Returns ErrDrainTimeout if readers do not drain within the spin
// budget — the entry is left in the bucket marked DEAD, invisible to
// lookups and cursor yields but still counted live, until Cursor.Next or
// Maintain later observes the last reader has gone and unlinks it.
func (m *Map[K, V]) Remove(pos Position[K, V]) (V, error) {
	var zero V
	if !pos.valid() {
		return zero, ErrInvalidArgument
	}
	e := pos.e
	if !e.status.CompareAndSwap(uint32(statusLive), uint32(statusKill)) {
		return zero, ErrNotFound
	}
	e.ref.Add(-1)
	drained := false
	for i := 0; i < m.spinCounter; i++ {
		if e.ref.Load() == 0 {
			drained = true
			break
		}
		m.sleep(50 * time.Microsecond)
	}
	if !drained {
		e.status.Store(uint32(statusDead))
		if m.diag != nil {
			m.diag.DrainTimeout("bucketmap", e.key, m.spinCounter)
		}
		return zero, ErrDrainTimeout
	}
	pos.b.mu.Lock()
	pos.b.items.Remove(&e.Node)
	pos.b.mu.Unlock()
	pos.b.count.Add(-1)
	return e.value, nil
}

// resumeDead completes a removal left pending by an earlier drain timeout,
// if no reader is still holding e. Safe to call whether or not that turns
// out to be true: it re-checks both status and refcount under the bucket
// lock before unlinking anything.
func (b *bucket[K, V]) resumeDead(e *entry[K, V]) bool {
	if e.ref.Load() != 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if status(e.status.Load()) != statusDead || e.ref.Load() != 0 {
		return false
	}
	b.items.Remove(&e.Node)
	b.count.Add(-1)
	return true
}

// Maintain sweeps every bucket once, completing any removals an earlier
// drain timeout left pending whose readers have since released. Safe to
// call concurrently with every other operation; it is best-effort
// housekeeping, never required for the correctness of any single call.
// Returns the number of entries it reclaimed.
func (m *Map[K, V]) Maintain() int {
	reclaimed := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		for n := b.items.Front(); n != nil; {
			next := b.items.Next(n)
			e := entryFromNode[K, V](n)
			if status(e.status.Load()) == statusDead && e.ref.Load() == 0 {
				b.items.Remove(&e.Node)
				b.count.Add(-1)
				reclaimed++
			}
			n = next
		}
		b.mu.Unlock()
	}
	return reclaimed
}

// RemoveByKey is lookup-then-remove.
func (m *Map[K, V]) RemoveByKey(key K) (V, error) {
	var zero V
	pos, ok := m.LookupByKey(key)
	if !ok {
		return zero, ErrNotFound
	}
	return m.Remove(pos)
}

// RemoveByHash is lookup-then-remove, matching any entry with this hash.
func (m *Map[K, V]) RemoveByHash(hash uint64) (V, error) {
	var zero V
	pos, ok := m.LookupByHash(hash)
	if !ok {
		return zero, ErrNotFound
	}
	return m.Remove(pos)
}

// IsEmpty is a non-synchronizing, approximate check.
func (m *Map[K, V]) IsEmpty() bool {
	return m.GetStat() == 0
}

// GetStat returns the approximate live-entry count across all buckets.
func (m *Map[K, V]) GetStat() int64 {
	var total int64
	for i := range m.buckets {
		total += m.buckets[i].count.Load()
	}
	return total
}

// Cursor implements start/next enumeration across every bucket in turn.
type Cursor[K comparable, V any] struct {
	m       *Map[K, V]
	bucket  int
	node    *list.Node
	heldEnt *entry[K, V]
}

// Start begins a new traversal.
func (m *Map[K, V]) Start() *Cursor[K, V] {
	return &Cursor[K, V]{m: m, bucket: -1}
}

// Next advances the cursor, releasing any previously held entry first.
func (c *Cursor[K, V]) Next() (key K, hash uint64, value V, ok bool) {
	if c.heldEnt != nil {
		c.heldEnt.ref.Add(-1)
		c.heldEnt = nil
	}
	for {
		if c.bucket < 0 || c.node == nil {
			c.bucket++
			if c.bucket >= len(c.m.buckets) {
				var zk K
				var zv V
				return zk, 0, zv, false
			}
			b := &c.m.buckets[c.bucket]
			b.mu.Lock()
			c.node = b.items.Front()
			b.mu.Unlock()
			continue
		}
		b := &c.m.buckets[c.bucket]
		b.mu.Lock()
		n := c.node
		next := b.items.Next(n)
		e := entryFromNode[K, V](n)
		st := status(e.status.Load())
		if st == statusLive {
			e.ref.Add(1)
			b.mu.Unlock()
			c.node = next
			c.heldEnt = e
			return e.key, e.hash, e.value, true
		}
		b.mu.Unlock()
		if st == statusDead {
			b.resumeDead(e)
		}
		c.node = next
	}
}

// Release drops the reference held by the cursor's current element, if
// any, without advancing.
func (c *Cursor[K, V]) Release() {
	if c.heldEnt != nil {
		c.heldEnt.ref.Add(-1)
		c.heldEnt = nil
	}
}
