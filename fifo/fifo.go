// Package fifo implements the non-blocking Michael–Scott FIFO queue of spec
// §4.8: a sentinel-node linked list where enqueue always proceeds lock-free
// via CAS on the tail, and dequeue is lock-free in single-reader mode or
// serialized by a mutex when ManyReaders is set. Node storage is recycled
// through an allocqueue.Pool rather than allocated per element, consistent
// with the rest of the container family's fixed-memory discipline.
package fifo

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/concurrencylabs/cellstore/allocqueue"
)

// ErrCapacityExhausted is returned by Enqueue when the backing node pool
// has no free slots and no fallback allocator is configured.
var ErrCapacityExhausted = errors.New("fifo: capacity exhausted")

type node[V any] struct {
	next  atomic.Pointer[node[V]]
	value V
}

// Queue is a bounded-capacity, non-blocking FIFO queue.
type Queue[V any] struct {
	head        atomic.Pointer[node[V]]
	tail        atomic.Pointer[node[V]]
	pool        *allocqueue.Pool[node[V]]
	manyReaders bool
	readMu      sync.Mutex

	fallbackHook allocqueue.Fallback[node[V]]
}

// Option configures a Queue at construction.
type Option[V any] func(*Queue[V])

// WithManyReaders sets the many_readers flag (spec §4.8): Dequeue is
// serialized with a mutex, needed whenever more than one goroutine may call
// Dequeue concurrently. Single-reader use should leave this unset to stay
// fully lock-free on the consumer side.
func WithManyReaders[V any]() Option[V] {
	return func(q *Queue[V]) { q.manyReaders = true }
}

// WithFallback installs an auxiliary allocator used once the node pool is
// exhausted.
func WithFallback[V any](fb allocqueue.Fallback[node[V]]) Option[V] {
	return func(q *Queue[V]) {
		// applied to the pool at construction time via poolOpts, see New.
		q.fallbackHook = fb
	}
}

// New constructs a Queue holding up to capacity values, backed by a node
// pool with room for capacity nodes plus the sentinel node.
func New[V any](capacity int, opts ...Option[V]) (*Queue[V], error) {
	if capacity <= 0 {
		return nil, allocqueue.ErrInvalidArgument
	}
	q := &Queue[V]{}
	for _, opt := range opts {
		opt(q)
	}
	var poolOpts []allocqueue.Option[node[V]]
	if q.fallbackHook != nil {
		poolOpts = append(poolOpts, allocqueue.WithFallback[node[V]](q.fallbackHook))
	}
	pool, err := allocqueue.New[node[V]](capacity+1, poolOpts...)
	if err != nil {
		return nil, err
	}
	q.pool = pool
	sentinel, _ := pool.Get()
	sentinel.next.Store(nil)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q, nil
}

// Enqueue appends value. Lock-free and safe for any number of concurrent
// producers. Returns ErrCapacityExhausted if the node pool (and any
// configured fallback) cannot supply a node.
func (q *Queue[V]) Enqueue(value V) error {
	n, ok := q.pool.Get()
	if !ok {
		return ErrCapacityExhausted
	}
	n.value = value
	n.next.Store(nil)
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				return nil
			}
		} else {
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

// Dequeue removes and returns the oldest value. Returns ok=false if the
// queue is empty.
func (q *Queue[V]) Dequeue() (value V, ok bool) {
	if q.manyReaders {
		q.readMu.Lock()
		defer q.readMu.Unlock()
	}
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				var zero V
				return zero, false
			}
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		v := next.value
		if q.head.CompareAndSwap(head, next) {
			q.pool.Revert(head)
			return v, true
		}
	}
}

// IsEmpty is a non-synchronizing, approximate check.
func (q *Queue[V]) IsEmpty() bool {
	head := q.head.Load()
	return head.next.Load() == nil
}
