package generic

import (
	"time"
)

// =============================================================================
// CLOCK - Injected reference time
// =============================================================================

// Clock supplies the reference time. Components never call time.Now directly
// so "current period" stays deterministic under test.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

// =============================================================================
// DATE UTILITIES
// =============================================================================
// All boundaries are calendar days at midnight UTC.

func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf drops the time of day, keeping t's calendar date.
func DateOf(t time.Time) time.Time { return NewDate(t.Year(), t.Month(), t.Day()) }

func StartOfYear(year int) time.Time                    { return NewDate(year, time.January, 1) }
func EndOfYear(year int) time.Time                      { return NewDate(year, time.December, 31) }
func StartOfMonth(year int, month time.Month) time.Time { return NewDate(year, month, 1) }
func EndOfMonth(year int, month time.Month) time.Time {
	return NewDate(year, month+1, 1).AddDate(0, 0, -1)
}
