package lockfifo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	q, err := New[int](8)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	for i := 0; i < 8; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.Dequeue()
	require.False(t, ok)
	require.True(t, q.IsEmpty())
}

func TestEnqueueFailsWhenPoolExhausted(t *testing.T) {
	q, err := New[int](2)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	require.ErrorIs(t, q.Enqueue(3), ErrCapacityExhausted)
}

func TestReuseAfterDrain(t *testing.T) {
	q, err := New[int](2)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(1))
	v, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.NoError(t, q.Enqueue(2))
	require.NoError(t, q.Enqueue(3))
	v, ok = q.Dequeue()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestConcurrentProducersAndConsumersPreserveSet(t *testing.T) {
	const perProducer = 500
	const producers = 4
	q, err := New[int](producers * perProducer)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, q.Enqueue(p*perProducer+i))
			}
		}(p)
	}
	wg.Wait()

	var mu sync.Mutex
	seen := make(map[int]bool)
	wg = sync.WaitGroup{}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := q.Dequeue()
				if !ok {
					return
				}
				mu.Lock()
				require.False(t, seen[v], "duplicate value %d", v)
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, producers*perProducer)
}
