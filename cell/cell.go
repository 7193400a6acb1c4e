// Package cell implements the six-state, CAS-only lifecycle used by this
// module's lock-free slot containers: the multi-level multimap's map cells
// embed a Cell[V], and the TTL cache's backing array is a []Cell[V]; both
// drive it through the same transitions.
//
// No cell is ever guarded by a mutex. A cell's (status, refcount) pair
// changes only via atomic.CompareAndSwap, and a biased reference count is
// used to let a remover wait out concurrent readers without blocking them.
package cell

import (
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a Cell. Free is 0, so a zero Cell reads
// as Free without any extra initialization.
type Status uint32

const (
	// Free means the cell is empty and reusable; it owns no payload, no
	// key, and has a refcount of zero.
	Free Status = 0
	// Busy means the cell is claimed for initialization by exactly one
	// writer and is not yet visible to readers.
	Busy Status = 1
	// Live means the cell is published and visible to concurrent readers.
	Live Status = 2
	// Kill means a writer has begun removal; new readers must fail to
	// acquire, and the writer is draining existing readers.
	Kill Status = 3
	// Dead means a removal attempt timed out waiting for readers to
	// drain; the cell still holds its payload, awaiting a later cleanup
	// pass to resume the drain.
	Dead Status = 4
	// Eras means cleanup (payload release) is in progress; transient.
	Eras Status = 5
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Busy:
		return "busy"
	case Live:
		return "live"
	case Kill:
		return "kill"
	case Dead:
		return "dead"
	case Eras:
		return "eras"
	default:
		return "unknown"
	}
}

// Bias constants for the reader refcount, per spec §4.1. A removing writer
// adds minusNull to bias the counter so far negative that no plausible
// number of concurrent readers can bring it back to a positive value before
// the writer has had a chance to observe the drain.
const (
	minusMedian int32 = 0x1000
	minusNull   int32 = -minusMedian
)

// DefaultSpinCounter and DefaultSpinSleep are the fallback values for the
// SPINLOCK_COUNTER / SPINLOCK_SLEEP_TIME capability described in spec §5.
// Callers doing many removals typically source these from config.Config
// instead of the defaults.
const (
	DefaultSpinCounter = 64
	DefaultSpinSleep   = 50 * time.Microsecond
)

// Cell is the indivisible per-slot state carrier. V is the payload type;
// containers that need extra per-slot fields (key, hash, next-pointer, list
// links, timestamp) embed Cell[V] alongside those fields rather than
// extending it, keeping the state machine itself payload-agnostic.
type Cell[V any] struct {
	// betteralign:ignore
	status  atomic.Uint32
	ref     atomic.Int32
	payload atomic.Pointer[V]
}

// Status returns the current status. Non-synchronizing with respect to any
// other field; callers needing a consistent (status, payload) snapshot must
// go through TryAcquireRead.
func (c *Cell[V]) Status() Status {
	return Status(c.status.Load())
}

// Load returns the current reference count, for diagnostics/tests only.
func (c *Cell[V]) Load() int32 {
	return c.ref.Load()
}

// TryClaim attempts the Free→Busy transition. On success the caller is the
// sole writer and may call SetPayload/Publish/Abandon without further CAS.
func (c *Cell[V]) TryClaim() bool {
	return c.status.CompareAndSwap(uint32(Free), uint32(Busy))
}

// SetPayload installs the payload while the cell is Busy. Must only be
// called by the writer that won TryClaim.
func (c *Cell[V]) SetPayload(v *V) {
	c.payload.Store(v)
}

// Publish performs the Busy→Live transition, making the payload visible to
// readers. Returns false only if the caller did not actually hold Busy
// (a programming error in the container above this layer).
func (c *Cell[V]) Publish() bool {
	return c.status.CompareAndSwap(uint32(Busy), uint32(Live))
}

// Abandon reverts a claimed-but-unpublished cell back to Free, used when an
// insert attempt fails after TryClaim (e.g. a duplicate key was discovered
// before Publish). No payload has been observed by any reader, so no
// draining is required.
func (c *Cell[V]) Abandon() {
	c.payload.Store(nil)
	c.status.Store(uint32(Free))
}

// TryAcquireRead registers a reader. It returns (payload, true), leaving a
// net ref++, only if the cell was observably Live both before and
// immediately after the increment; any other outcome means the caller
// must treat this as "do not proceed" — the refcount is left unchanged
// (any increment has been undone internally), no ReleaseRead call is
// needed on failure.
func (c *Cell[V]) TryAcquireRead() (*V, bool) {
	if Status(c.status.Load()) != Live {
		return nil, false
	}
	n := c.ref.Add(1)
	if n <= 0 || Status(c.status.Load()) != Live {
		c.ref.Add(-1)
		return nil, false
	}
	return c.payload.Load(), true
}

// ReleaseRead drops one reference acquired via TryAcquireRead. Exactly one
// ReleaseRead must pair with each successful TryAcquireRead (spec §8
// invariant 5).
func (c *Cell[V]) ReleaseRead() {
	c.ref.Add(-1)
}

// Payload returns the current payload pointer without acquiring a
// reference. Safe to call while already holding a read reference or while
// the exclusive writer (Busy/Kill/Eras owner).
func (c *Cell[V]) Payload() *V {
	return c.payload.Load()
}

// BeginRemove performs the Live→Kill transition and then spins/sleeps
// waiting for concurrent readers to drain, per spec §4.1. dropSelf should be
// true when the caller itself is releasing a read reference it held (e.g.
// remove-by-position); it is applied before the drain spin so the caller's
// own reference never counts against itself.
//
// On success (drained == true) the cell is left in Eras and the caller must
// call Finish to release the payload and return the cell to Free. On
// timeout (drained == false) the cell is left in Dead; a later call to
// ResumeDrain may complete the cycle.
func (c *Cell[V]) BeginRemove(dropSelf bool, spinCounter int, sleep func(time.Duration)) (drained bool) {
	if !c.status.CompareAndSwap(uint32(Live), uint32(Kill)) {
		return false
	}
	if dropSelf {
		c.ref.Add(-1)
	}
	biased := c.ref.Add(minusNull)
	if biased == minusNull {
		c.status.Store(uint32(Eras))
		return true
	}
	if c.drainSpin(spinCounter, sleep) {
		c.status.Store(uint32(Eras))
		return true
	}
	c.status.Store(uint32(Dead))
	return false
}

// ResumeDrain re-attempts the drain for a cell left in Dead by an earlier
// BeginRemove timeout. It never re-applies the refcount bias (that would
// double-count); it only checks whether outstanding readers have since
// released their references.
func (c *Cell[V]) ResumeDrain(spinCounter int, sleep func(time.Duration)) (drained bool) {
	if Status(c.status.Load()) != Dead {
		return false
	}
	if c.ref.Load() == minusNull || c.drainSpin(spinCounter, sleep) {
		if c.status.CompareAndSwap(uint32(Dead), uint32(Eras)) {
			return true
		}
	}
	return false
}

func (c *Cell[V]) drainSpin(spinCounter int, sleep func(time.Duration)) bool {
	if spinCounter <= 0 {
		spinCounter = DefaultSpinCounter
	}
	for i := 0; i < spinCounter; i++ {
		if c.ref.Load() == minusNull {
			return true
		}
		if sleep != nil {
			sleep(DefaultSpinSleep)
		}
	}
	return c.ref.Load() == minusNull
}

// Finish completes the Eras→Free transition, returning the payload that was
// owned by the cell so the caller can release it back to an allocator or
// allocation cache. Restores the refcount bias applied by BeginRemove.
func (c *Cell[V]) Finish() *V {
	v := c.payload.Load()
	c.payload.Store(nil)
	c.ref.Add(minusMedian)
	c.status.Store(uint32(Free))
	return v
}
