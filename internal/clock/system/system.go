// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements review.Clock using time.Now. Readings are UTC and
// truncated to microseconds so they round-trip through timestamptz columns
// unchanged.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
