// Package system provides the wall clock used for lease timestamps and record freshness.
package system

import "time"

// Clock reads the host clock in UTC.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
