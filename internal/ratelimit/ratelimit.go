// Package ratelimit implements multi-window rate limiting per (arbitrary)
// category, adapted for obslog's use: a container under sustained
// contention can raise the same diagnostic event thousands of times a
// second, and without a limiter that would mean thousands of JSON lines a
// second for a condition that needed reporting once.
//
// Rates are applied independently per category, each tracking its own
// sliding window of discrete event timestamps. This trades some memory and
// CPU (versus a token bucket) for exact correctness over arbitrary
// multi-window configurations.
package ratelimit

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const nextZeroValue = math.MinInt64

type (
	// Limiter applies one or more sliding-window rate limits independently
	// to each category passed to Allow.
	Limiter struct {
		running    *int32
		rates      map[time.Duration]int
		categories sync.Map
		retention  time.Duration
		mu         sync.RWMutex
	}

	categoryData struct {
		// atomic[0] is the next allowed event, or nextZeroValue if none.
		// atomic[1] is the most recent Allow call's timestamp, used for
		// idle-category cleanup.
		atomic *[2]int64
		events *ringBuffer
		mu     sync.Mutex
	}

	cleanupCategory struct {
		category any
		data     *categoryData
	}
)

var (
	timeNow       = time.Now
	timeNewTicker = time.NewTicker
)

var categoryDataPool = sync.Pool{New: func() any {
	return &categoryData{
		atomic: new([2]int64),
		events: newRingBuffer(8),
	}
}}

func (d *categoryData) loadNext() int64    { return atomic.LoadInt64(&d.atomic[0]) }
func (d *categoryData) storeNext(v int64)  { atomic.StoreInt64(&d.atomic[0], v) }
func (d *categoryData) loadRecent() int64  { return atomic.LoadInt64(&d.atomic[1]) }
func (d *categoryData) storeRecent(v int64) { atomic.StoreInt64(&d.atomic[1], v) }

// NewLimiter builds a Limiter from a map of window duration to max event
// count within that window. Rates must be monotonic: each longer window
// must allow a strictly larger count at a strictly lower average rate than
// every shorter one, e.g. {time.Second: 5, time.Minute: 120} is valid,
// {time.Second: 5, time.Minute: 400} is not (the per-minute cap never
// binds). Panics on an invalid rate map — this is a construction-time
// configuration error, not a runtime condition.
func NewLimiter(rates map[time.Duration]int) *Limiter {
	retention, ok := parseRates(rates)
	if !ok {
		panic(fmt.Errorf("ratelimit: invalid rates: %v", rates))
	}
	return &Limiter{
		running:   new(int32),
		rates:     rates,
		retention: retention,
	}
}

func (x *Limiter) ok() bool { return x != nil && len(x.rates) != 0 }

// Allow registers an event for category and reports whether it fell within
// every configured window's budget. A category that has never been rate
// limited is cheap: lookup, compare, done.
func (x *Limiter) Allow(category any) bool {
	if !x.ok() {
		return true
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	now := timeNow()
	nowUnixNano := now.UnixNano()

	if atomic.CompareAndSwapInt32(x.running, 0, 1) {
		go x.worker()
	}

	var (
		data   *categoryData
		loaded bool
	)
	{
		poolValue := categoryDataPool.Get().(*categoryData)
		*poolValue.atomic = [2]int64{nextZeroValue, nowUnixNano}
		poolValue.mu.Lock()

		var value any
		value, loaded = x.categories.LoadOrStore(category, poolValue)
		if loaded {
			poolValue.mu.Unlock()
			categoryDataPool.Put(poolValue)
			data = value.(*categoryData)
		} else {
			defer poolValue.mu.Unlock()
			data = poolValue
		}
	}

	if next := data.loadNext(); next != nextZeroValue && nowUnixNano < next {
		return false
	}

	if loaded {
		data.mu.Lock()
		defer data.mu.Unlock()

		if data.atomic[0] != nextZeroValue && nowUnixNano < data.atomic[0] {
			return false
		}
		if data.atomic[1] < nowUnixNano {
			data.storeRecent(nowUnixNano)
		}
	}

	data.events.Insert(data.events.Search(nowUnixNano), nowUnixNano)

	remaining := filterEvents(now, x.rates, data.events)
	if remaining <= 0 {
		data.storeNext(nextZeroValue)
		return true
	}

	data.storeNext(now.Add(remaining).UnixNano())
	return true
}

// worker reclaims categoryData for categories that have gone idle for at
// least the retention window, so a long-lived process doesn't accumulate
// one entry per distinct category it ever saw.
func (x *Limiter) worker() {
	var toDelete []cleanupCategory

	ticker := timeNewTicker(time.Duration(math.Max(
		float64(x.retention)*0.5,
		float64(time.Second),
	)))
	defer ticker.Stop()

	for {
		<-ticker.C

		chanceOfStop := true
		x.categories.Range(func(key, value any) bool {
			if data := value.(*categoryData); data.loadRecent() < x.cleanupThreshold() {
				toDelete = append(toDelete, cleanupCategory{key, data})
			} else {
				chanceOfStop = false
			}
			return true
		})

		if len(toDelete) != 0 {
			if x.cleanup(toDelete, chanceOfStop) {
				return
			}
			toDelete = toDelete[:0]
		}
	}
}

func (x *Limiter) cleanupThreshold() int64 {
	return timeNow().Add(-x.retention).UnixNano()
}

func (x *Limiter) cleanup(toDelete []cleanupCategory, chanceOfStop bool) (mustStop bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	threshold := x.cleanupThreshold()

	for i, v := range toDelete {
		if v.data.atomic[1] < threshold {
			x.categories.Delete(v.category)
			const maxEventsCap = 1 << 10
			if v.data.events.Cap() <= maxEventsCap {
				v.data.events.RemoveBefore(v.data.events.Len())
				categoryDataPool.Put(v.data)
			}
		} else {
			chanceOfStop = false
		}
		toDelete[i] = cleanupCategory{}
	}

	if chanceOfStop {
		x.running = new(int32)
		mustStop = true
	}
	return
}

// parseRates validates rates and returns the retention duration: the
// largest window for which a rate is defined.
func parseRates(rates map[time.Duration]int) (time.Duration, bool) {
	if len(rates) == 0 {
		return 0, false
	}

	durations := make([]time.Duration, 0, len(rates))
	for duration := range rates {
		durations = append(durations, duration)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	for i, duration := range durations {
		rate := rates[duration]
		if rate <= 0 || duration <= 0 {
			return 0, false
		}
		if (i < len(durations)-1 && rate >= rates[durations[i+1]]) ||
			(i > 0 && float64(rate)/float64(duration) >= float64(rates[durations[i-1]])/float64(durations[i-1])) {
			return 0, false
		}
	}

	return durations[len(durations)-1], true
}

// filterEvents discards events older than every configured window and
// reports the remaining time until the next event is allowed, or <= 0 if
// one may be registered immediately.
func filterEvents(now time.Time, rates map[time.Duration]int, events *ringBuffer) (remaining time.Duration) {
	indexFirstRelevant := events.Len()

	for rate, limit := range rates {
		if limit <= 0 || rate <= 0 {
			continue
		}

		boundary := now.Add(-rate)
		index := events.Search(boundary.UnixNano() + 1)
		if index < indexFirstRelevant {
			indexFirstRelevant = index
		}

		if limit <= events.Len()-index {
			offset := time.Unix(0, events.Get(events.Len()-limit)).Sub(boundary)
			if offset > remaining {
				remaining = offset
			}
		}
	}

	events.RemoveBefore(indexFirstRelevant)
	return remaining
}
