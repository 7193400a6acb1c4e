// Package multimap implements the non-blocking multi-level associative map
// of spec §4.2: a tree of map nodes indexed by successive slices of a
// key's hash, where every slot is a cell.Cell driven through the shared
// lifecycle state machine, and collisions are resolved by attaching a
// child map node to the colliding cell rather than chaining or locking.
package multimap

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/concurrencylabs/cellstore/cell"
	"github.com/concurrencylabs/cellstore/internal/arch"
)

// Errors returned by the facade operations, per spec §7.
var (
	ErrDuplicateKey      = errors.New("multimap: duplicate key")
	ErrNotFound          = errors.New("multimap: not found")
	ErrCapacityExhausted = errors.New("multimap: capacity exhausted or retry limit reached")
	ErrDrainTimeout      = errors.New("multimap: remove drain timed out, cell left pending")
	ErrInvalidArgument   = errors.New("multimap: invalid argument")
)

// HashFunc computes the hash a Map slices to locate a key's cell.
// Callers keyed by string or integer types can use internal/keyhash's
// OfString/OfInt; arbitrary key types supply their own.
type HashFunc[K any] func(key K) uint64

type mapCell[K comparable, V any] struct {
	cell.Cell[V]
	key   K
	hash  uint64
	child atomic.Pointer[mapNode[K, V]]
}

type mapNode[K comparable, V any] struct {
	cells []mapCell[K, V]
	arch  *arch.Arch
	level int
	count atomic.Int64
}

func newMapNode[K comparable, V any](a *arch.Arch, level int) *mapNode[K, V] {
	return &mapNode[K, V]{
		cells: make([]mapCell[K, V], a.LevelSize(level)),
		arch:  a,
		level: level,
	}
}

// DrainObserver is notified when Remove's spin-wait for readers exhausts
// its budget, leaving a cell pending rather than reclaimed. obslog.Logger
// satisfies this.
type DrainObserver interface {
	DrainTimeout(container string, key any, spins int)
}

// Map is the non-blocking multi-level multimap facade.
type Map[K comparable, V any] struct {
	root        *mapNode[K, V]
	hashFn      HashFunc[K]
	spinCounter int
	sleep       func(time.Duration)
	diag        DrainObserver
}

// Option configures a Map at construction.
type Option[K comparable, V any] func(*Map[K, V])

// WithSpinCounter overrides SPINLOCK_COUNTER (spec §4.1/§5). Default:
// cell.DefaultSpinCounter.
func WithSpinCounter[K comparable, V any](n int) Option[K, V] {
	return func(m *Map[K, V]) { m.spinCounter = n }
}

// WithSleep overrides the cooperative sleep capability invoked between
// spin attempts (spec §6's sleep(duration) capability). Default: time.Sleep.
func WithSleep[K comparable, V any](fn func(time.Duration)) Option[K, V] {
	return func(m *Map[K, V]) { m.sleep = fn }
}

// WithDrainObserver reports every ErrDrainTimeout to o, in addition to
// returning it to the caller.
func WithDrainObserver[K comparable, V any](o DrainObserver) Option[K, V] {
	return func(m *Map[K, V]) { m.diag = o }
}

// New constructs a Map whose root level has the given requested capacity
// (rounded down to the nearest power of two, per spec §4.2).
func New[K comparable, V any](capacity int, hashFn HashFunc[K], opts ...Option[K, V]) (*Map[K, V], error) {
	if capacity <= 0 || hashFn == nil {
		return nil, ErrInvalidArgument
	}
	a := arch.New(capacity)
	m := &Map[K, V]{
		root:        newMapNode[K, V](a, 0),
		hashFn:      hashFn,
		spinCounter: cell.DefaultSpinCounter,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sleep == nil {
		m.sleep = time.Sleep
	}
	return m, nil
}

// Position identifies a located cell and holds the read reference
// TryAcquireRead took out on it, per spec §4.4. Copying a Position is
// cheap and safe; exactly one Release (or Remove, which releases
// internally) must follow each successful acquire.
type Position[K comparable, V any] struct {
	node *mapNode[K, V]
	idx  int
}

func (p Position[K, V]) valid() bool { return p.node != nil }

func (p Position[K, V]) target() *mapCell[K, V] { return &p.node.cells[p.idx] }

// Key returns the key held at this position.
func (p Position[K, V]) Key() K { return p.target().key }

// Hash returns the hash held at this position.
func (p Position[K, V]) Hash() uint64 { return p.target().hash }

// Value returns the payload held at this position, valid until Release.
func (p Position[K, V]) Value() V {
	v := p.target().Payload()
	if v == nil {
		var zero V
		return zero
	}
	return *v
}

// Release drops the read reference held by pos. Must be called exactly
// once per successful acquire that is not already consumed by Remove.
func (m *Map[K, V]) Release(pos Position[K, V]) {
	if !pos.valid() {
		return
	}
	pos.target().ReleaseRead()
}

// SetAt inserts key/value, computing the hash via the Map's HashFunc.
func (m *Map[K, V]) SetAt(key K, value V) (Position[K, V], error) {
	return m.SetAtHash(key, m.hashFn(key), value)
}

// SetAtHash inserts key/value using a caller-supplied precomputed hash
// (spec §6: "optional precomputed hash").
func (m *Map[K, V]) SetAtHash(key K, hash uint64, value V) (Position[K, V], error) {
	return m.insert(m.root, 0, key, hash, value)
}

func (m *Map[K, V]) insert(node *mapNode[K, V], level int, key K, hash uint64, value V) (Position[K, V], error) {
	idx, _ := node.arch.Slice(level, hash)
	c := &node.cells[idx]

	for attempt := 0; attempt < m.spinCounter; attempt++ {
		switch c.Status() {
		case cell.Free:
			if !c.TryClaim() {
				continue
			}
			c.key, c.hash = key, hash
			c.SetPayload(&value)
			if !c.Publish() {
				c.Abandon()
				continue
			}
			if _, ok := c.TryAcquireRead(); ok {
				node.count.Add(1)
				return Position[K, V]{node: node, idx: idx}, nil
			}
			// lost a race against a concurrent remove immediately after
			// publish; retry from the top, the slot may be Free again.
		case cell.Live:
			if c.key == key && c.hash == hash {
				return Position[K, V]{}, ErrDuplicateKey
			}
			if child := c.child.Load(); child != nil {
				return m.insert(child, level+1, key, hash, value)
			}
			newChild := newMapNode[K, V](node.arch, level+1)
			pos, err := m.insert(newChild, level+1, key, hash, value)
			if err != nil {
				return Position[K, V]{}, err
			}
			if c.child.CompareAndSwap(nil, newChild) {
				return pos, nil
			}
			// someone else installed a child first; our newChild (and the
			// entry just inserted into it) is unreachable and left for the
			// garbage collector. Retry against the now-installed child.
		default:
			m.sleep(cell.DefaultSpinSleep)
		}
	}
	return Position[K, V]{}, ErrCapacityExhausted
}

// LookupByKey descends the tree following hash slices, returning a locked
// Position on the first cell whose key and hash both match.
func (m *Map[K, V]) LookupByKey(key K) (Position[K, V], bool) {
	return m.LookupByKeyHash(key, m.hashFn(key))
}

// LookupByKeyHash is LookupByKey with a precomputed hash.
func (m *Map[K, V]) LookupByKeyHash(key K, hash uint64) (Position[K, V], bool) {
	return m.lookup(m.root, 0, hash, func(c *mapCell[K, V]) bool {
		return c.key == key && c.hash == hash
	})
}

// LookupByHash returns a locked Position on any one cell whose hash
// matches, regardless of key (spec §6: "matches any entry with this
// hash").
func (m *Map[K, V]) LookupByHash(hash uint64) (Position[K, V], bool) {
	return m.lookup(m.root, 0, hash, func(c *mapCell[K, V]) bool {
		return c.hash == hash
	})
}

func (m *Map[K, V]) lookup(node *mapNode[K, V], level int, hash uint64, match func(*mapCell[K, V]) bool) (Position[K, V], bool) {
	idx, _ := node.arch.Slice(level, hash)
	c := &node.cells[idx]
	child := c.child.Load()
	// complete a removal an earlier drain timeout left pending, if its
	// readers have since released.
	if c.Status() == cell.Dead && c.ResumeDrain(1, nil) {
		if v := c.Finish(); v != nil {
			node.count.Add(-1)
		}
	}
	if c.Status() == cell.Live {
		if _, ok := c.TryAcquireRead(); ok {
			if match(c) {
				return Position[K, V]{node: node, idx: idx}, true
			}
			c.ReleaseRead()
		}
	}
	if child != nil {
		return m.lookup(child, level+1, hash, match)
	}
	return Position[K, V]{}, false
}

// Remove removes the entry at pos and releases pos's read reference as
// part of the removal. Returns ErrDrainTimeout if concurrent readers did
// not drain within the spin budget — the cell is left pending, and a later
// lookup (including RemoveByKey/RemoveByHash's) or enumeration pass that
// reaches it completes the cleanup once its readers have released.
func (m *Map[K, V]) Remove(pos Position[K, V]) (V, error) {
	var zero V
	if !pos.valid() {
		return zero, ErrInvalidArgument
	}
	c := pos.target()
	if !c.BeginRemove(true, m.spinCounter, m.sleep) {
		if m.diag != nil {
			m.diag.DrainTimeout("multimap", c.key, m.spinCounter)
		}
		return zero, ErrDrainTimeout
	}
	v := c.Finish()
	pos.node.count.Add(-1)
	if v == nil {
		return zero, nil
	}
	return *v, nil
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

// IsEmpty is a non-synchronizing, approximate check (spec §6).
func (m *Map[K, V]) IsEmpty() bool {
	return m.GetStat() == 0
}

// GetStat returns the approximate live-entry count: this level's live
// cells plus every child map's GetStat, recursively (spec §8 invariant 3).
func (m *Map[K, V]) GetStat() int64 {
	return sumNode(m.root)
}

func sumNode[K comparable, V any](node *mapNode[K, V]) int64 {
	total := node.count.Load()
	for i := range node.cells {
		if child := node.cells[i].child.Load(); child != nil {
			total += sumNode(child)
		}
	}
	return total
}

// Cursor implements start/next enumeration (spec §4.2, §4.4). A Cursor
// holds a read reference on its current element until Next is called
// again or Release is called; abandoning a Cursor without calling Release
// leaks that one reference, as spec §4.4 warns.
type Cursor[K comparable, V any] struct {
	m        *Map[K, V]
	frames   []cursorFrame[K, V]
	heldCell *mapCell[K, V]
}

type cursorFrame[K comparable, V any] struct {
	node *mapNode[K, V]
	idx  int
}

// Start begins a new traversal.
func (m *Map[K, V]) Start() *Cursor[K, V] {
	return &Cursor[K, V]{m: m, frames: []cursorFrame[K, V]{{node: m.root}}}
}

// Next advances the cursor, releasing any previously held element first.
// Returns ok=false once the traversal is exhausted; the cursor itself
// should then be discarded.
func (c *Cursor[K, V]) Next() (key K, hash uint64, value V, ok bool) {
	if c.heldCell != nil {
		c.heldCell.ReleaseRead()
		c.heldCell = nil
	}
	for len(c.frames) > 0 {
		top := &c.frames[len(c.frames)-1]
		if top.idx >= len(top.node.cells) {
			c.frames = c.frames[:len(c.frames)-1]
			continue
		}
		mc := &top.node.cells[top.idx]
		status := mc.Status()
		if status == cell.Dead {
			if mc.ResumeDrain(c.m.spinCounter, c.m.sleep) {
				if v := mc.Finish(); v != nil {
					top.node.count.Add(-1)
				}
				status = cell.Free
			}
		}
		child := mc.child.Load()
		if status == cell.Live {
			if payload, okAcq := mc.TryAcquireRead(); okAcq {
				k, h := mc.key, mc.hash
				top.idx++
				if child != nil {
					c.frames = append(c.frames, cursorFrame[K, V]{node: child})
				}
				c.heldCell = mc
				return k, h, *payload, true
			}
		}
		top.idx++
		if child != nil {
			c.frames = append(c.frames, cursorFrame[K, V]{node: child})
		}
	}
	var zk K
	var zv V
	return zk, 0, zv, false
}

// Release drops the reference held by the cursor's current element, if
// any, without advancing. Safe to call on an exhausted or fresh cursor.
func (c *Cursor[K, V]) Release() {
	if c.heldCell != nil {
		c.heldCell.ReleaseRead()
		c.heldCell = nil
	}
}
