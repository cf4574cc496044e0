package testutil

import (
	"sync"
	"time"
)

// ManualClock is a thread-safe wall clock for tests that move time by hand.
//
// Retention and tombstone-grace behavior depends on elapsed wall time;
// ManualClock lets tests age commits and files deterministically instead of
// sleeping.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current clock reading without advancing it. The method
// value is assignable wherever a time source func() time.Time is expected.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
// Monotonic as long as d is non-negative.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t.
//
// Used for test reuse; scenarios can rewind to a fixed epoch.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
