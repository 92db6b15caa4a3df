// Package clock provides the wall-time source used across habitcore.
//
// Services never call time.Now directly; they receive a Clock so tests can
// pin "today" and step across DST transitions deterministically.
package clock

import "time"

// Clock returns the current wall time.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time {
	return time.Now()
}

// OrSystem returns c, or System if c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}

