package multimap

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concurrencylabs/cellstore/internal/keyhash"
)

func newIntMap(t *testing.T, capacity int, opts ...Option[int, string]) *Map[int, string] {
	t.Helper()
	m, err := New[int, string](capacity, func(k int) uint64 { return keyhash.OfInt(k) }, opts...)
	require.NoError(t, err)
	return m
}

func TestSetAtLookupRemoveRoundTrip(t *testing.T) {
	m := newIntMap(t, 64)

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
	m := newIntMap(t, 64)
	pos, err := m.SetAt(1, "a")
	require.NoError(t, err)
	m.Release(pos)

	_, err = m.SetAt(1, "b")
	require.ErrorIs(t, err, ErrDuplicateKey)

	got, ok := m.LookupByKey(1)
	require.True(t, ok)
	require.Equal(t, "a", got.Value())
	m.Release(got)
}

func TestRemoveMissingKeyFails(t *testing.T) {
	m := newIntMap(t, 64)
	_, err := m.RemoveByKey(404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCollisionResolutionViaChildMap(t *testing.T) {
	// force a collision: a map of capacity 1 has a single root slot, so
	// every key but the first must be resolved through a child.
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
	m := newIntMap(t, 1024)
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

func TestConcurrentInsertDuringEnumerationIsSafe(t *testing.T) {
	m := newIntMap(t, 64)
	pos, err := m.SetAt(1, "one")
	require.NoError(t, err)
	m.Release(pos)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pos, err := m.SetAt(2, "two")
		if err == nil {
			m.Release(pos)
		}
	}()

	cur := m.Start()
	seen := map[int]bool{}
	for {
		k, _, _, ok := cur.Next()
		if !ok {
			break
		}
		require.False(t, seen[k], "enumeration double-reported key %d", k)
		seen[k] = true
	}
	cur.Release()
	<-done

	require.True(t, seen[1])
	require.Equal(t, int64(2), m.GetStat())
}

func TestDrainTimeoutLeavesCellRecoverable(t *testing.T) {
	m := newIntMap(t, 16, WithSpinCounter[int, string](2), WithSleep[int, string](func(time.Duration) {}))
	pos, err := m.SetAt(1, "one")
	require.NoError(t, err)

	// hold a second read reference open so the remove cannot drain.
	reader, ok := m.LookupByKey(1)
	require.True(t, ok)

	_, err = m.Remove(pos)
	require.ErrorIs(t, err, ErrDrainTimeout)

	m.Release(reader)

	// a later lookup opportunistically completes the pending cleanup once
	// the outstanding reader above has released.
	_, ok = m.LookupByKey(1)
	require.False(t, ok)
}

type recordingDrainObserver struct {
	containers []string
	keys       []any
}

func (r *recordingDrainObserver) DrainTimeout(container string, key any, spins int) {
	r.containers = append(r.containers, container)
	r.keys = append(r.keys, key)
}

func TestDrainTimeoutReportsToObserver(t *testing.T) {
	var obs recordingDrainObserver
	m := newIntMap(t, 16,
		WithSpinCounter[int, string](2),
		WithSleep[int, string](func(time.Duration) {}),
		WithDrainObserver[int, string](&obs),
	)
	pos, err := m.SetAt(9, "nine")
	require.NoError(t, err)

	reader, ok := m.LookupByKey(9)
	require.True(t, ok)

	_, err = m.Remove(pos)
	require.ErrorIs(t, err, ErrDrainTimeout)
	m.Release(reader)

	require.Equal(t, []string{"multimap"}, obs.containers)
	require.Equal(t, []any{9}, obs.keys)
}
