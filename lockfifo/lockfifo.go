// Package lockfifo implements the classical FIFO queue of spec §4.9: a
// circular doubly linked list protected by a single mutex, enqueue at the
// tail and dequeue at the head, with nodes drawn from an allocation cache
// rather than allocated per element. Preferred over the lock-free fifo
// package when many concurrent readers are expected and the single-reader
// restriction of the non-blocking variant is unacceptable.
package lockfifo

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/concurrencylabs/cellstore/allocindex"
	"github.com/concurrencylabs/cellstore/internal/list"
)

// ErrCapacityExhausted is returned by Enqueue when the backing node pool
// has no free slots and no fallback allocator is configured.
var ErrCapacityExhausted = errors.New("lockfifo: capacity exhausted")

type node[V any] struct {
	list.Node // must stay the first field, see nodeFromList
	value     V
}

// nodeFromList recovers the owning *node from a *list.Node obtained via
// list traversal; safe because list.Node is node's first field.
func nodeFromList[V any](n *list.Node) *node[V] {
	return (*node[V])(unsafe.Pointer(n))
}

// Queue is a bounded-capacity, mutex-protected FIFO queue.
type Queue[V any] struct {
	mu           sync.Mutex
	list         list.List
	pool         *allocindex.Pool[node[V]]
	fallbackHook allocindex.Fallback[node[V]]
}

// Option configures a Queue at construction.
type Option[V any] func(*Queue[V])

// WithFallback installs an auxiliary allocator used once the node pool is
// exhausted.
func WithFallback[V any](fb allocindex.Fallback[node[V]]) Option[V] {
	return func(q *Queue[V]) { q.fallbackHook = fb }
}

// New constructs a Queue backed by a node pool of the given capacity.
func New[V any](capacity int, opts ...Option[V]) (*Queue[V], error) {
	q := &Queue[V]{}
	for _, opt := range opts {
		opt(q)
	}
	var poolOpts []allocindex.Option[node[V]]
	if q.fallbackHook != nil {
		poolOpts = append(poolOpts, allocindex.WithFallback[node[V]](q.fallbackHook))
	}
	pool, err := allocindex.New[node[V]](capacity, poolOpts...)
	if err != nil {
		return nil, err
	}
	q.pool = pool
	q.list.Init()
	return q, nil
}

// Enqueue appends value at the tail.
func (q *Queue[V]) Enqueue(value V) error {
	n, ok := q.pool.Get()
	if !ok {
		return ErrCapacityExhausted
	}
	n.value = value
	q.mu.Lock()
	q.list.PushFront(&n.Node)
	q.mu.Unlock()
	return nil
}

// Dequeue removes and returns the value at the head (the least recently
// enqueued). Returns ok=false if the queue is empty.
func (q *Queue[V]) Dequeue() (value V, ok bool) {
	q.mu.Lock()
	back := q.list.Back()
	if back == nil {
		q.mu.Unlock()
		var zero V
		return zero, false
	}
	q.list.Remove(back)
	q.mu.Unlock()

	n := nodeFromList[V](back)
	v := n.value
	q.pool.Revert(n)
	return v, true
}

// IsEmpty reports whether the queue holds no values, checked under the
// queue's mutex.
func (q *Queue[V]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Empty()
}
