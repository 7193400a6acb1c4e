package list

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type elem struct {
	Node
	val int
}

func TestListPushAndOrder(t *testing.T) {
	var l List
	l.Init()
	require.True(t, l.Empty())

	a := &elem{val: 1}
	b := &elem{val: 2}
	c := &elem{val: 3}
	l.PushFront(&a.Node)
	l.PushFront(&b.Node)
	l.PushFront(&c.Node)

	require.False(t, l.Empty())
	require.Equal(t, &c.Node, l.Front())
	require.Equal(t, &a.Node, l.Back())
}

func TestListMoveToFront(t *testing.T) {
	var l List
	l.Init()
	a := &elem{val: 1}
	b := &elem{val: 2}
	c := &elem{val: 3}
	l.PushFront(&a.Node)
	l.PushFront(&b.Node)
	l.PushFront(&c.Node)

	l.MoveToFront(&a.Node)
	require.Equal(t, &a.Node, l.Front())
	require.Equal(t, &b.Node, l.Back())
}

func TestListRemove(t *testing.T) {
	var l List
	l.Init()
	a := &elem{val: 1}
	b := &elem{val: 2}
	l.PushFront(&a.Node)
	l.PushFront(&b.Node)

	l.Remove(&a.Node)
	require.Equal(t, &b.Node, l.Front())
	require.Equal(t, &b.Node, l.Back())

	// removing an already-detached node is a no-op, not a panic.
	l.Remove(&a.Node)
}

func TestListEmptyFrontBack(t *testing.T) {
	var l List
	l.Init()
	require.Nil(t, l.Front())
	require.Nil(t, l.Back())
}

func TestListPrevWalksBackwardFromTail(t *testing.T) {
	var l List
	l.Init()
	a := &elem{val: 1}
	b := &elem{val: 2}
	c := &elem{val: 3}
	l.PushFront(&a.Node)
	l.PushFront(&b.Node)
	l.PushFront(&c.Node)

	require.Equal(t, &b.Node, l.Prev(l.Back()))
	require.Equal(t, &c.Node, l.Prev(&b.Node))
	require.Nil(t, l.Prev(&c.Node))
}
