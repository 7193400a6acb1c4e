// Package list implements the intrusive circular doubly linked list used by
// the bounded-size cache (§4.10) to track LRU recency order, and by the
// classical FIFO queue (§4.9) for its node chain.
//
// The list never allocates: every Node is embedded inside a caller-owned
// slot (a cache element, a queue node), and a single sentinel Node per list
// plays the role of both head and tail — "fakeHead"/"fakeTail" in the
// two-sentinel form, collapsed to one self-linking sentinel here since this
// list is always used as a ring.
package list

// Node is an intrusive link. Embed it in a struct and use List to manage a
// ring of such structs; a zero Node is a detached, unlinked node.
type Node struct {
	prev, next *Node
}

// List is a circular doubly linked list with a single sentinel node. An
// empty List has sentinel.next == sentinel.prev == &sentinel.
type List struct {
	sentinel Node
}

// Init makes l an empty list. Must be called before use; the zero List is
// not ready (its sentinel does not yet point to itself).
func (l *List) Init() *List {
	l.sentinel.next = &l.sentinel
	l.sentinel.prev = &l.sentinel
	return l
}

// Empty reports whether the list has no real nodes.
func (l *List) Empty() bool {
	return l.sentinel.next == &l.sentinel
}

// Front returns the most-recently-pushed node, or nil if the list is empty.
func (l *List) Front() *Node {
	if l.Empty() {
		return nil
	}
	return l.sentinel.next
}

// Back returns the least-recently-pushed node, or nil if the list is empty.
func (l *List) Back() *Node {
	if l.Empty() {
		return nil
	}
	return l.sentinel.prev
}

// PushFront links n immediately after the sentinel (the recency head). n
// must be detached.
func (l *List) PushFront(n *Node) {
	l.insertAfter(n, &l.sentinel)
}

func (l *List) insertAfter(n, at *Node) {
	after := at.next
	link(at, n)
	link(n, after)
}

// MoveToFront detaches n (which must already be a member of l) and
// reinserts it at the front. This is the hot path of every LRU touch.
func (l *List) MoveToFront(n *Node) {
	if l.sentinel.next == n {
		return
	}
	l.Remove(n)
	l.insertAfter(n, &l.sentinel)
}

// Remove detaches n from whatever list it is linked into. Safe to call on
// an already-detached node (prev/next are nil).
func (l *List) Remove(n *Node) {
	if n.prev == nil && n.next == nil {
		return
	}
	link(n.prev, n.next)
	n.prev, n.next = nil, nil
}

// Next returns the node following n, or nil once the sentinel is reached.
func (l *List) Next(n *Node) *Node {
	if n.next == &l.sentinel {
		return nil
	}
	return n.next
}

// Prev returns the node preceding n, or nil once the sentinel is reached.
// Used to scan backward from the tail, e.g. the bounded eviction scan of
// the LRU cache.
func (l *List) Prev(n *Node) *Node {
	if n.prev == &l.sentinel {
		return nil
	}
	return n.prev
}

func link(a, b *Node) {
	a.next = b
	b.prev = a
}
