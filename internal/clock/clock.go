// Package clock lets the tunnel registry and the sweeper read time through an
// interface so tests can drive poll deadlines and reply expiry by hand.
package clock

import "time"

// Clock is the time source used for timestamps and deadlines.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real reads the wall clock.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// After behaves like time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
