package bucketmap

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concurrencylabs/cellstore/internal/keyhash"
)

func newIntMap(t *testing.T, buckets int) *Map[int, string] {
	t.Helper()
	m, err := New[int, string](buckets, func(k int) uint64 { return keyhash.OfInt(k) })
	require.NoError(t, err)
	return m
}

func TestSetAtLookupRemoveRoundTrip(t *testing.T) {
	m := newIntMap(t, 8)

	pos, err := m.SetAt(7, "seven")
	require.NoError(t, err)
	require.Equal(t, "seven", pos.Value())
	m.Release(pos)

	got, ok := m.LookupByKey(7)
	require.True(t, ok)
	require.Equal(t, "seven", got.Value())

	_, err = m.Remove(got)
	require.NoError(t, err)

	_, ok = m.LookupByKey(7)
	require.False(t, ok)
}

func TestSetAtDuplicateKeyFails(t *testing.T) {
	m := newIntMap(t, 8)
	pos, err := m.SetAt(1, "a")
	require.NoError(t, err)
	m.Release(pos)

	_, err = m.SetAt(1, "b")
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestRemoveMissingKeyFails(t *testing.T) {
	m := newIntMap(t, 8)
	_, err := m.RemoveByKey(404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSameBucketChaining(t *testing.T) {
	// a single bucket forces every key into the same list.
	m := newIntMap(t, 1)
	for _, k := range []int{1, 2, 3, 4} {
		pos, err := m.SetAt(k, fmt.Sprintf("v%d", k))
		require.NoError(t, err, "key %d", k)
		m.Release(pos)
	}
	for _, k := range []int{1, 2, 3, 4} {
		pos, ok := m.LookupByKey(k)
		require.True(t, ok, "key %d", k)
		require.Equal(t, fmt.Sprintf("v%d", k), pos.Value())
		m.Release(pos)
	}
	require.Equal(t, int64(4), m.GetStat())
}

func TestEnumerationVisitsEveryLiveEntry(t *testing.T) {
	m := newIntMap(t, 4)
	want := map[int]string{}
	for i := 0; i < 40; i++ {
		v := fmt.Sprintf("v%d", i)
		want[i] = v
		pos, err := m.SetAt(i, v)
		require.NoError(t, err)
		m.Release(pos)
	}

	got := map[int]string{}
	cur := m.Start()
	for {
		k, _, v, ok := cur.Next()
		if !ok {
			break
		}
		got[k] = v
	}
	cur.Release()
	require.Equal(t, want, got)
}

func TestConcurrentDisjointInsertRemove(t *testing.T) {
	m := newIntMap(t, 64)
	const perWorker = 250
	const workers = 4

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k := w*perWorker + i
				pos, err := m.SetAt(k, "v")
				require.NoError(t, err)
				m.Release(pos)
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, int64(workers*perWorker), m.GetStat())

	wg = sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k := w*perWorker + i
				_, err := m.RemoveByKey(k)
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, int64(0), m.GetStat())
}

type recordingDrainObserver struct {
	containers []string
	keys       []any
}

func (r *recordingDrainObserver) DrainTimeout(container string, key any, spins int) {
	r.containers = append(r.containers, container)
	r.keys = append(r.keys, key)
}

func TestDrainTimeoutLeavesEntryRecoverable(t *testing.T) {
	var obs recordingDrainObserver
	m, err := New[int, string](8, func(k int) uint64 { return keyhash.OfInt(k) },
		WithSpinCounter[int, string](2), WithSleep[int, string](func(time.Duration) {}),
		WithDrainObserver[int, string](&obs))
	require.NoError(t, err)
	pos, err := m.SetAt(1, "one")
	require.NoError(t, err)

	reader, ok := m.LookupByKey(1)
	require.True(t, ok)

	_, err = m.Remove(pos)
	require.ErrorIs(t, err, ErrDrainTimeout)
	require.Equal(t, []string{"bucketmap"}, obs.containers)
	require.Equal(t, []any{1}, obs.keys)

	// the entry is pending, not gone: it is still counted live, yet
	// lookups no longer find it.
	require.Equal(t, int64(1), m.GetStat())
	_, ok = m.LookupByKey(1)
	require.False(t, ok, "a pending entry must not be findable by lookup")

	// once the last reader releases, traversal resumes the stalled removal.
	m.Release(reader)
	cur := m.Start()
	_, _, _, ok = cur.Next()
	require.False(t, ok, "the pending entry must not be yielded by the cursor")
	require.Equal(t, int64(0), m.GetStat(), "Cursor.Next must opportunistically reclaim it")

	_, ok = m.LookupByKey(1)
	require.False(t, ok)
}

func TestMaintainReclaimsPendingDrainsAcrossBuckets(t *testing.T) {
	var obs recordingDrainObserver
	m, err := New[int, string](4, func(k int) uint64 { return keyhash.OfInt(k) },
		WithSpinCounter[int, string](1), WithSleep[int, string](func(time.Duration) {}),
		WithDrainObserver[int, string](&obs))
	require.NoError(t, err)

	var readers []Position[int, string]
	for _, k := range []int{1, 2, 3} {
		pos, err := m.SetAt(k, fmt.Sprintf("v%d", k))
		require.NoError(t, err)
		reader, ok := m.LookupByKey(k)
		require.True(t, ok)
		readers = append(readers, reader)

		_, err = m.Remove(pos)
		require.ErrorIs(t, err, ErrDrainTimeout)
	}
	require.Equal(t, int64(3), m.GetStat())

	for _, r := range readers {
		m.Release(r)
	}

	require.Equal(t, 3, m.Maintain())
	require.Equal(t, int64(0), m.GetStat())
	require.Equal(t, 0, m.Maintain(), "a second sweep finds nothing left to reclaim")
}
