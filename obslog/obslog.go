// Package obslog carries the handful of structured events this module ever
// reports on its own initiative, without a caller asking for them: a
// removal that left a cell stranded in DEAD after the drain-spin gave up, a
// pool that's out of slots, a revert called with a pointer it never handed
// out, and a backing allocator that failed. None of these return a value to
// any in-flight operation (the operation itself already has its own error
// return); this is the side channel a host process wires into its own log
// aggregation.
//
// It wraps a github.com/joeycumines/logiface Logger[*stumpy.Event], the same
// pairing the teacher's own services use, rather than inventing a bespoke
// structured-logging shape.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/concurrencylabs/cellstore/internal/ratelimit"
)

// Logger is a thin, typed facade over a logiface.Logger[*stumpy.Event],
// exposing exactly the event kinds this module's containers can raise.
type Logger struct {
	l       *logiface.Logger[*stumpy.Event]
	limiter *ratelimit.Limiter
}

// Option configures New.
type Option func(*settings)

type settings struct {
	writer io.Writer
	rates  map[time.Duration]int
}

// WithWriter directs JSON log lines to w instead of os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(s *settings) { s.writer = w }
}

// WithRateLimit caps each distinct event kind to rates, the same
// duration-to-count shape ratelimit.NewLimiter takes. A container wedged in
// a drain-timeout loop under sustained contention would otherwise produce
// one log line per failed removal; the limiter bounds that to a budget the
// host's log aggregation can absorb.
func WithRateLimit(rates map[time.Duration]int) Option {
	return func(s *settings) { s.rates = rates }
}

// New builds a Logger. With no options, events are written as JSON lines to
// os.Stderr, matching stumpy's own default, with no rate limiting applied.
func New(opts ...Option) *Logger {
	s := settings{writer: os.Stderr}
	for _, opt := range opts {
		opt(&s)
	}
	x := &Logger{
		l: logiface.New[*stumpy.Event](
			stumpy.WithStumpy(stumpy.WithWriter(s.writer)),
		),
	}
	if len(s.rates) != 0 {
		x.limiter = ratelimit.NewLimiter(s.rates)
	}
	return x
}

// allow reports whether event should be written, consuming one unit of its
// rate-limit budget if so. Always true when no limit was configured.
func (x *Logger) allow(event string) bool {
	if x.limiter == nil {
		return true
	}
	return x.limiter.Allow(event)
}

// Break is tripped by invariant violations that a debug build wants to stop
// the world for, the same role the teacher's logiface.OsExit plays for
// fatal log levels. Release builds leave it nil: Logger falls back to
// logging the event and returning control to the caller, which always
// already has its own error return for the operation that triggered it.
// Tests override it to assert an invariant was actually flagged.
var Break func(event string, fields map[string]any)

func trip(event string, fields map[string]any) {
	if Break != nil {
		Break(event, fields)
	}
}

// DrainTimeout reports that Remove's spin-wait for readers to release a
// cell exhausted its SPINLOCK_COUNTER budget, leaving the cell in DEAD
// rather than reclaiming it. The cell is still safely skippable by future
// scans; this is diagnostic, not corruption.
func (x *Logger) DrainTimeout(container string, key any, spins int) {
	if x.allow(`drain_timeout`) {
		x.l.Warning().
			Str(`event`, `drain_timeout`).
			Str(`container`, container).
			Interface(`key`, key).
			Int(`spins`, spins).
			Log(`remove gave up waiting for readers to drain a cell`)
	}
	trip(`drain_timeout`, map[string]any{`container`: container, `key`: key, `spins`: spins})
}

// CapacityExhausted reports that an allocation cache (allocindex, allocqueue,
// or alloctier) had no free slot to hand out and no fallback allocator to
// turn to, so the request failed.
func (x *Logger) CapacityExhausted(pool string, capacity int) {
	if x.allow(`capacity_exhausted`) {
		x.l.Warning().
			Str(`event`, `capacity_exhausted`).
			Str(`pool`, pool).
			Int(`capacity`, capacity).
			Log(`allocation cache had no free slot`)
	}
	trip(`capacity_exhausted`, map[string]any{`pool`: pool, `capacity`: capacity})
}

// AlienPointer reports that Revert (or an equivalent release call) was
// handed a pointer the pool never allocated. This always indicates a bug in
// the calling code; the pool rejects the pointer rather than corrupting its
// own free list.
func (x *Logger) AlienPointer(pool string) {
	if x.allow(`alien_pointer`) {
		x.l.Err().
			Str(`event`, `alien_pointer`).
			Str(`pool`, pool).
			Log(`revert called with a pointer this pool never allocated`)
	}
	trip(`alien_pointer`, map[string]any{`pool`: pool})
}

// AllocatorFailure reports that a backing allocation (growing a pool's
// slice, or similar) failed or was refused.
func (x *Logger) AllocatorFailure(pool string, err error) {
	if x.allow(`allocator_failure`) {
		x.l.Err().
			Err(err).
			Str(`event`, `allocator_failure`).
			Str(`pool`, pool).
			Log(`backing allocation failed`)
	}
	trip(`allocator_failure`, map[string]any{`pool`: pool, `err`: err})
}
