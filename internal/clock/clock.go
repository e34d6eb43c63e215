// Package clock provides the scheduler's time source: a nanosecond timeline
// that never goes backwards and that freezes while the system is suspended.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source reports nanoseconds on a monotonic timeline. Zero is reserved for
// "never set" by callers, so sources start at 1 or later.
type Source interface {
	Now() int64
}

// Monotonic reads the Go runtime's monotonic clock.
type Monotonic struct {
	base time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{base: time.Now()}
}

func (m *Monotonic) Now() int64 {
	return int64(time.Since(m.base)) + 1
}

// Manual is advanced explicitly. Simulations and tests use it to get
// reproducible window boundaries.
type Manual struct {
	mu  sync.Mutex
	now int64
}

func NewManual(start int64) *Manual {
	if start <= 0 {
		start = 1
	}
	return &Manual{now: start}
}

func (m *Manual) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
// Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now += int64(d)
	}
	return m.now
}

// Set moves the clock to t if t is later than the current time.
func (m *Manual) Set(t int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.now {
		m.now = t
	}
	return m.now
}

// Clock wraps a Source with suspend/resume handling.
type Clock struct {
	src       Source
	suspended atomic.Bool
	last      atomic.Int64
}

func New(src Source) *Clock {
	if src == nil {
		src = NewMonotonic()
	}
	return &Clock{src: src}
}

// Now returns the source time, or the value captured at Suspend while the
// clock is suspended.
func (c *Clock) Now() int64 {
	if c.suspended.Load() {
		return c.last.Load()
	}
	return c.src.Now()
}

func (c *Clock) Suspend() {
	c.last.Store(c.src.Now())
	c.suspended.Store(true)
}

func (c *Clock) Resume() {
	c.suspended.Store(false)
}

func (c *Clock) Suspended() bool {
	return c.suspended.Load()
}

// Source returns the underlying time source.
func (c *Clock) Source() Source {
	return c.src
}
