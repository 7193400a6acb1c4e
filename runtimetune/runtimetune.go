// Package runtimetune wires the two ambient, set-at-startup capabilities
// spec §5/§6 describe only abstractly: the CPU count a scheduling model
// assumes, and the allocator-failure boundary a memory ceiling creates.
// Init applies both process-wide. The CPU count is read once; the memory
// limit, when enabled, is re-read from the cgroup/system ceiling every 15
// seconds after Init returns. A host embedding this library calls Init
// before constructing any container, not on every operation.
package runtimetune

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"
)

// Result reports what Init actually applied, for a caller's own startup
// logging.
type Result struct {
	// GOMAXPROCS is the value automaxprocs set (or left alone, if no
	// cgroup CPU quota applied), per spec §5's "CPU count (read once)".
	GOMAXPROCS int
	// GOMEMLimitBytes is the memory limit automemlimit set, or 0 if
	// memory-limit tuning was disabled or no limit could be determined.
	GOMEMLimitBytes int64
}

type settings struct {
	memLimitEnabled bool
	memLimitRatio   float64
	logOutput       io.Writer
}

// Option configures Init.
type Option func(*settings)

// WithMemLimitRatio enables GOMEMLIMIT tuning at the given fraction of the
// detected cgroup/system memory ceiling (spec §6's allocator-failure
// boundary capability). Disabled by default: a host with no memory ceiling
// of its own should not have one silently imposed.
func WithMemLimitRatio(ratio float64) Option {
	return func(s *settings) {
		s.memLimitEnabled = true
		s.memLimitRatio = ratio
	}
}

// WithLogOutput directs the underlying libraries' own startup logging
// (GOMAXPROCS/GOMEMLIMIT decisions) to w instead of discarding it.
func WithLogOutput(w io.Writer) Option {
	return func(s *settings) { s.logOutput = w }
}

// Init applies GOMAXPROCS and, if requested, GOMEMLIMIT tuning. Safe to
// call more than once, but intended to run exactly once at process
// startup, before any container in this module is constructed.
func Init(opts ...Option) (Result, error) {
	s := settings{memLimitRatio: 0.9, logOutput: io.Discard}
	for _, opt := range opts {
		opt(&s)
	}

	var res Result
	// maxprocs.Set's returned undo func is intentionally not deferred:
	// the whole point of this capability is that GOMAXPROCS stays set for
	// the remaining life of the process, not just for this call.
	_, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		fmt.Fprintf(s.logOutput, format+"\n", args...)
	}))
	if err != nil {
		return res, fmt.Errorf("runtimetune: automaxprocs: %w", err)
	}
	res.GOMAXPROCS = runtime.GOMAXPROCS(0)

	if s.memLimitEnabled {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(s.memLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
			memlimit.WithRefreshInterval(15*time.Second),
		)
		if err != nil {
			return res, fmt.Errorf("runtimetune: automemlimit: %w", err)
		}
		res.GOMEMLimitBytes = limit
	}
	return res, nil
}
