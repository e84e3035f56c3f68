// Package manual provides a settable clock for tests and dry runs.
package manual

import (
	"sync"
	"time"
)

// Clock returns a fixed time until it is moved.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New creates a Clock reading now.
func New(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
