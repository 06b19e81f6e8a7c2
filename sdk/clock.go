package sdk

import "time"

// Clock provides a testable time source. Session expiry, channel record
// timestamps, and token freshness checks all go through it.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock implementation backed by time.Now.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }
