package alloctier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestArray(t *testing.T) *Array {
	t.Helper()
	a, err := New([]TierConfig{
		{SlotSize: 64, Capacity: 4},
		{SlotSize: 256, Capacity: 4},
		{SlotSize: 1024, Capacity: 4},
	})
	require.NoError(t, err)
	return a
}

func TestNewRejectsUnsortedTiers(t *testing.T) {
	_, err := New([]TierConfig{
		{SlotSize: 256, Capacity: 4},
		{SlotSize: 64, Capacity: 4},
	})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetPicksSmallestFittingTier(t *testing.T) {
	a := newTestArray(t)
	buf, ok := a.Get(100)
	require.True(t, ok)
	require.Len(t, buf, 256)
	require.True(t, a.IsAddressFromCache(buf))
	require.True(t, a.Revert(buf))
}

func TestGetFallsBackAcrossSizeClasses(t *testing.T) {
	a := newTestArray(t)
	// exhaust the 256-byte tier; Get(100) should spill into the 1024 tier.
	var bufs [][]byte
	for i := 0; i < 4; i++ {
		b, ok := a.Get(100)
		require.True(t, ok)
		bufs = append(bufs, b)
	}
	b, ok := a.Get(100)
	require.True(t, ok)
	require.Len(t, b, 1024)
	for _, b := range bufs {
		require.True(t, a.Revert(b))
	}
	require.True(t, a.Revert(b))
}

func TestGetFailsWhenNoTierFits(t *testing.T) {
	a := newTestArray(t)
	_, ok := a.Get(2048)
	require.False(t, ok)
}

func TestRevertAlienBuffer(t *testing.T) {
	a := newTestArray(t)
	require.False(t, a.Revert(make([]byte, 64)))
}

func TestFallback(t *testing.T) {
	var fellBack bool
	a, err := New([]TierConfig{{SlotSize: 64, Capacity: 1}}, WithFallback(
		func(size int) ([]byte, bool) {
			fellBack = true
			return make([]byte, size), true
		},
		func([]byte) bool { return true },
	))
	require.NoError(t, err)

	b, ok := a.Get(2048)
	require.True(t, ok)
	require.True(t, fellBack)
	require.True(t, a.Revert(b))
}
