package refsender

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// RateObserver is told how many values were drained for dispatch for one type
// key, before the sinks are written
type RateObserver interface {
	RecordSent(count int)
}

// DropObserver is an optional extension of RateObserver that is told when the
// queue evicts records to admit new ones
type DropObserver interface {
	RecordDropped(count int)
}

// NoopObserver ignores everything
type NoopObserver struct{}

func (NoopObserver) RecordSent(int)    {}
func (NoopObserver) RecordDropped(int) {}

// MultiObserver forwards to every observer it holds. Drops are only forwarded to
// members that implement DropObserver.
type MultiObserver []RateObserver

func (m MultiObserver) RecordSent(count int) {
	for _, o := range m {
		o.RecordSent(count)
	}
}

func (m MultiObserver) RecordDropped(count int) {
	for _, o := range m {
		if d, ok := o.(DropObserver); ok {
			d.RecordDropped(count)
		}
	}
}

type rateSample struct {
	at    time.Time
	count int
}

// RateCounter tracks how many values were sent over a sliding window
type RateCounter struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	window  time.Duration
	samples []rateSample
	total   int64
}

// NewRateCounter creates a counter averaging over window. A nil clock uses the
// real clock.
func NewRateCounter(window time.Duration, c clock.PassiveClock) *RateCounter {
	if window <= 0 {
		window = time.Minute
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &RateCounter{clock: c, window: window}
}

// RecordSent adds count values at the current time
func (c *RateCounter) RecordSent(count int) {
	if count <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.prune(now)
	c.samples = append(c.samples, rateSample{at: now, count: count})
	c.total += int64(count)
}

// Rate returns values per second over the window
func (c *RateCounter) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(c.clock.Now())
	sum := 0
	for _, s := range c.samples {
		sum += s.count
	}
	return float64(sum) / c.window.Seconds()
}

// Total returns every value recorded since creation
func (c *RateCounter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// prune drops samples that fell out of the window. Callers hold c.mu.
func (c *RateCounter) prune(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.samples) && !c.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}
