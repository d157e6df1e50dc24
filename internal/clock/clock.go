package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic time source.
//
// Now returns the time elapsed since the clock's epoch. Values are
// non-decreasing and never zero, so zero can be used as a "never" sentinel.
type Clock interface {
	Now() time.Duration
}

// Monotonic reads the process monotonic clock.
type Monotonic struct {
	epoch time.Time
}

// NewMonotonic returns a clock whose epoch is the moment of construction.
func NewMonotonic() *Monotonic {
	return &Monotonic{epoch: time.Now()}
}

func (c *Monotonic) Now() time.Duration {
	// time.Since uses the monotonic reading carried by epoch.
	d := time.Since(c.epoch)
	if d <= 0 {
		return 1
	}
	return d
}

// Manual is a clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

// NewManual returns a manual clock starting at start (or 1ns if start <= 0).
func NewManual(start time.Duration) *Manual {
	if start <= 0 {
		start = 1
	}
	return &Manual{now: start}
}

func (c *Manual) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative values are ignored.
func (c *Manual) Advance(d time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now += d
	}
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed so tests can
// simulate an external clock reset.
func (c *Manual) Set(t time.Duration) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
