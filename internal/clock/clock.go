// Package clock abstracts wall-clock access so retry backoff, circuit
// cooldowns, and checkpoint retention are deterministically testable.
package clock

import "time"

// Clock is the time source injected into every keel component that
// sleeps or compares timestamps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real delegates to the standard library. All timestamps are UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) { time.Sleep(d) }
