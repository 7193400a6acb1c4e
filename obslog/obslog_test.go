package obslog

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDrainTimeoutWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.DrainTimeout(`multimap`, 42, 64)

	out := buf.String()
	require.True(t, strings.HasSuffix(out, "\n"))
	require.Contains(t, out, `"event":"drain_timeout"`)
	require.Contains(t, out, `"container":"multimap"`)
	require.Contains(t, out, `"spins":64`)
}

func TestCapacityExhaustedWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.CapacityExhausted(`allocindex`, 4096)

	out := buf.String()
	require.Contains(t, out, `"event":"capacity_exhausted"`)
	require.Contains(t, out, `"pool":"allocindex"`)
	require.Contains(t, out, `"capacity":4096`)
}

func TestAlienPointerWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.AlienPointer(`allocqueue`)

	out := buf.String()
	require.Contains(t, out, `"event":"alien_pointer"`)
	require.Contains(t, out, `"pool":"allocqueue"`)
}

func TestAllocatorFailureWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.AllocatorFailure(`alloctier`, errors.New(`out of memory`))

	out := buf.String()
	require.Contains(t, out, `"event":"allocator_failure"`)
	require.Contains(t, out, `out of memory`)
}

func TestBreakHookFiresOnInvariantViolations(t *testing.T) {
	var tripped []string
	old := Break
	Break = func(event string, fields map[string]any) {
		tripped = append(tripped, event)
	}
	defer func() { Break = old }()

	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.DrainTimeout(`bucketmap`, 1, 8)
	l.AlienPointer(`allocindex`)

	require.Equal(t, []string{`drain_timeout`, `alien_pointer`}, tripped)
}

func TestRateLimitCapsRepeatedEventsPerCategory(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithRateLimit(map[time.Duration]int{time.Minute: 2}))

	for i := 0; i < 5; i++ {
		l.DrainTimeout(`multimap`, i, 64)
	}

	lines := strings.Count(buf.String(), "\n")
	require.Equal(t, 2, lines, "only the first 2 events within the window should be written")
}

func TestRateLimitTracksEventKindsIndependently(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithRateLimit(map[time.Duration]int{time.Minute: 1}))

	l.DrainTimeout(`multimap`, 1, 64)
	l.CapacityExhausted(`allocindex`, 4096)

	require.Contains(t, buf.String(), `"event":"drain_timeout"`)
	require.Contains(t, buf.String(), `"event":"capacity_exhausted"`)
}

func TestBreakDefaultsToNilAndDoesNotPanic(t *testing.T) {
	require.Nil(t, Break)
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	require.NotPanics(t, func() { l.CapacityExhausted(`allocqueue`, 1) })
}
