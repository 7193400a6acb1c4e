package lrucache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concurrencylabs/cellstore/internal/keyhash"
)

func newIntCache(t *testing.T, capacity int) *Cache[int, string] {
	t.Helper()
	c, err := New[int, string](capacity, func(k int) uint64 { return keyhash.OfInt(k) })
	require.NoError(t, err)
	return c
}

func TestSetAtLookupRoundTrip(t *testing.T) {
	c := newIntCache(t, 4)
	require.NoError(t, c.SetAt(1, "one"))
	v, ok := c.LookupByKey(1)
	require.True(t, ok)
	require.Equal(t, "one", v)
	require.Equal(t, 1, c.Len())
}

func TestSetAtDuplicateKeyRefused(t *testing.T) {
	c := newIntCache(t, 4)
	require.NoError(t, c.SetAt(1, "one"))
	require.ErrorIs(t, c.SetAt(1, "again"), ErrDuplicateKey)
}

func TestLookupMissingKeyFails(t *testing.T) {
	c := newIntCache(t, 4)
	_, ok := c.LookupByKey(404)
	require.False(t, ok)
}

func TestRemoveByKey(t *testing.T) {
	c := newIntCache(t, 4)
	require.NoError(t, c.SetAt(1, "one"))
	v, err := c.RemoveByKey(1)
	require.NoError(t, err)
	require.Equal(t, "one", v)
	_, ok := c.LookupByKey(1)
	require.False(t, ok)

	_, err = c.RemoveByKey(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEvictsLeastRecentlyUsedWhenFull(t *testing.T) {
	c := newIntCache(t, 2)
	require.NoError(t, c.SetAt(1, "one"))
	require.NoError(t, c.SetAt(2, "two"))
	// touch 1 so it becomes most-recently-used, leaving 2 as the LRU victim.
	_, ok := c.LookupByKey(1)
	require.True(t, ok)

	require.NoError(t, c.SetAt(3, "three"))

	_, ok = c.LookupByKey(2)
	require.False(t, ok, "key 2 should have been evicted")
	v, ok := c.LookupByKey(1)
	require.True(t, ok)
	require.Equal(t, "one", v)
	v, ok = c.LookupByKey(3)
	require.True(t, ok)
	require.Equal(t, "three", v)
	require.Equal(t, 2, c.Len())
}

func TestReinsertAfterEviction(t *testing.T) {
	c := newIntCache(t, 1)
	require.NoError(t, c.SetAt(1, "one"))
	require.NoError(t, c.SetAt(2, "two"))
	_, ok := c.LookupByKey(1)
	require.False(t, ok)
	v, ok := c.LookupByKey(2)
	require.True(t, ok)
	require.Equal(t, "two", v)

	require.NoError(t, c.SetAt(1, "one-again"))
	v, ok = c.LookupByKey(1)
	require.True(t, ok)
	require.Equal(t, "one-again", v)
}

func TestConcurrentSetAndLookupStayConsistent(t *testing.T) {
	const capacity = 64
	c := newIntCache(t, capacity)
	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				k := w*1000 + i
				_ = c.SetAt(k, fmt.Sprintf("v%d", k))
				c.LookupByKey(k)
			}
		}(w)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), capacity)
}
