package arch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRootSizing(t *testing.T) {
	cases := []struct {
		capacity int
		wantRoot int
	}{
		{capacity: 1, wantRoot: 1},
		{capacity: 2, wantRoot: 2},
		{capacity: 1000, wantRoot: 512},
		{capacity: 1024, wantRoot: 1024},
	}
	for _, c := range cases {
		a := New(c.capacity)
		require.Equal(t, c.wantRoot, a.RootSize(), "capacity=%d", c.capacity)
	}
}

func TestSliceCoversFullHash(t *testing.T) {
	a := New(1024)
	hash := uint64(0x0123456789ABCDEF)
	var rebuilt uint64
	var consumedBits int
	for level := 0; level < a.MaxLevels(); level++ {
		idx, w := a.Slice(level, hash)
		if w == 0 {
			break
		}
		rebuilt = rebuilt<<uint(w) | uint64(idx)
		consumedBits += w
	}
	require.Equal(t, 64, consumedBits)
	require.Equal(t, hash, rebuilt)
}

func TestSliceDistinctLevelsDistinctIndices(t *testing.T) {
	a := New(16)
	idx0, _ := a.Slice(0, 0xF000000000000000)
	idx1, _ := a.Slice(1, 0xF000000000000000)
	require.Equal(t, 15, idx0)
	require.Equal(t, 0, idx1)
}
