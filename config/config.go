// Package config collects the construction-time tuning knobs shared across
// this module's containers — capacities, the SPINLOCK_COUNTER/
// SPINLOCK_SLEEP_TIME pair spec §5 describes, and TTL — behind the same
// functional-options idiom the rest of the pack uses for its own
// constructors, plus an optional TOML-backed loader so a host process can
// externalize these values without a code change. Config is purely a
// construction-time convenience: the container facades themselves remain
// in-process, taking no dependency on this package.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/concurrencylabs/cellstore/cell"
)

// Config models optional tuning shared by every container constructor in
// this module. Every field has a documented default, which New fills in
// before applying its options; a field that an option or a loaded file
// sets to zero stays zero rather than falling back to the default.
type Config struct {
	// MapCapacity sizes a multimap/bucketmap's root level or bucket count.
	// **Defaults to 1024.**
	MapCapacity int `toml:"map_capacity"`

	// AllocCapacity sizes an allocindex/allocqueue/alloctier pool.
	// **Defaults to 4096.**
	AllocCapacity int `toml:"alloc_capacity"`

	// SpinCounter is the SPINLOCK_COUNTER capability (spec §5): how many
	// times a removing writer spins waiting for readers to drain before
	// giving up. **Defaults to cell.DefaultSpinCounter (64).**
	SpinCounter int `toml:"spin_counter"`

	// SpinSleep is the SPINLOCK_SLEEP_TIME capability (spec §5): the
	// cooperative sleep between drain-spin attempts.
	// **Defaults to cell.DefaultSpinSleep (50µs).**
	SpinSleep time.Duration `toml:"spin_sleep"`

	// TTL is the fixed expiry window for a ttlcache.Cache.
	// **Defaults to 5 minutes.**
	TTL time.Duration `toml:"ttl"`
}

// Option configures a Config at construction, mirroring the functional
// options idiom used throughout this module's container constructors.
type Option func(*Config)

// WithMapCapacity overrides MapCapacity.
func WithMapCapacity(n int) Option { return func(c *Config) { c.MapCapacity = n } }

// WithAllocCapacity overrides AllocCapacity.
func WithAllocCapacity(n int) Option { return func(c *Config) { c.AllocCapacity = n } }

// WithSpinCounter overrides SpinCounter.
func WithSpinCounter(n int) Option { return func(c *Config) { c.SpinCounter = n } }

// WithSpinSleep overrides SpinSleep.
func WithSpinSleep(d time.Duration) Option { return func(c *Config) { c.SpinSleep = d } }

// WithTTL overrides TTL.
func WithTTL(d time.Duration) Option { return func(c *Config) { c.TTL = d } }

// New builds a Config from defaults plus the given options.
func New(opts ...Option) *Config {
	c := &Config{
		MapCapacity:   1024,
		AllocCapacity: 4096,
		SpinCounter:   cell.DefaultSpinCounter,
		SpinSleep:     cell.DefaultSpinSleep,
		TTL:           5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tomlFile mirrors Config but with duration fields as strings: TOML has no
// native duration type, and time.Duration does not implement
// encoding.TextUnmarshaler, so BurntSushi/toml cannot decode "30s" into it
// directly. Pointer fields distinguish "absent from the file" from "the
// zero value", so Load only overrides what the file actually sets.
type tomlFile struct {
	MapCapacity   *int    `toml:"map_capacity"`
	AllocCapacity *int    `toml:"alloc_capacity"`
	SpinCounter   *int    `toml:"spin_counter"`
	SpinSleep     *string `toml:"spin_sleep"`
	TTL           *string `toml:"ttl"`
}

// Load reads a TOML file at path, starting from New()'s defaults and
// overriding only the fields the file sets, then applying opts on top.
// Fields absent from the file keep their default (or opts-applied) value.
func Load(path string, opts ...Option) (*Config, error) {
	c := New()
	var f tomlFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if f.MapCapacity != nil {
		c.MapCapacity = *f.MapCapacity
	}
	if f.AllocCapacity != nil {
		c.AllocCapacity = *f.AllocCapacity
	}
	if f.SpinCounter != nil {
		c.SpinCounter = *f.SpinCounter
	}
	if f.SpinSleep != nil {
		d, err := time.ParseDuration(*f.SpinSleep)
		if err != nil {
			return nil, fmt.Errorf("config: spin_sleep: %w", err)
		}
		c.SpinSleep = d
	}
	if f.TTL != nil {
		d, err := time.ParseDuration(*f.TTL)
		if err != nil {
			return nil, fmt.Errorf("config: ttl: %w", err)
		}
		c.TTL = d
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sleep returns a sleep function suitable for each container package's
// WithSleep option. Every cell drain spin invokes it with
// cell.DefaultSpinSleep baked in by the cell package itself, so this
// closure substitutes the configured SpinSleep instead of the argument it
// is called with — the only way SpinSleep actually reaches the drain loop.
func (c *Config) Sleep() func(time.Duration) {
	d := c.SpinSleep
	return func(time.Duration) { time.Sleep(d) }
}
