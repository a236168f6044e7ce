// Package system is the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Readings are UTC and truncated to the
// microsecond so job timestamps survive a round trip through Postgres
// timestamptz unchanged.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
