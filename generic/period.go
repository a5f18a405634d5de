/*
period.go - Period clock: canonical identifiers for weekly/monthly/yearly periods

PURPOSE:
  Every distribution, config row, log entry and quest restriction is keyed by a
  period identifier. This file maps a timestamp to that identifier, parses and
  orders identifiers, and enumerates the calendar boundaries behind them.

IDENTIFIER FORMATS:
  yearly:  "2026"
  monthly: "2026-01"
  weekly:  "2026-W04"

  Every numeric part is zero-padded, so for a fixed period type string
  comparison equals chronological comparison. Compare() is still the only
  comparator callers should use.

WEEK NUMBERING:
  week = ceil((dayOfYear + jan1Weekday + 1) / 7)

  dayOfYear is 0-based (Jan 1 = 0) and jan1Weekday counts from Sunday = 0.
  Weeks run Sunday..Saturday, W01 is the (possibly partial) week holding Jan 1,
  and the last week of the year is clipped at Dec 31. This is NOT ISO-8601.
  Identifiers already persisted in logs depend on it; do not switch formulas.

PURITY:
  Nothing here reads the wall clock. Callers pass the reference time.

SEE ALSO:
  - time.go: Date helpers used for boundaries
  - rewards/quests.go: Bucketing quests by period ordering
*/
package generic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD TYPE
// =============================================================================

// PeriodType is the granularity of a recurring distribution.
type PeriodType string

const (
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
	PeriodYearly  PeriodType = "yearly"
)

// PeriodTypes lists every supported period type, finest first.
var PeriodTypes = []PeriodType{PeriodWeekly, PeriodMonthly, PeriodYearly}

// Valid reports whether pt is one of the supported period types.
func (pt PeriodType) Valid() bool {
	switch pt {
	case PeriodWeekly, PeriodMonthly, PeriodYearly:
		return true
	}
	return false
}

// ParsePeriodType converts user input into a PeriodType.
func ParsePeriodType(s string) (PeriodType, error) {
	pt := PeriodType(strings.ToLower(strings.TrimSpace(s)))
	if !pt.Valid() {
		return "", &ValidationError{Field: "period_type", Message: fmt.Sprintf("unsupported period type %q", s)}
	}
	return pt, nil
}

// DistributionType is the audit/credit namespace for a period type's leaderboard payout.
func (pt PeriodType) DistributionType() string {
	return "leaderboard_" + string(pt)
}

func mustValid(pt PeriodType) {
	if !pt.Valid() {
		panic(fmt.Sprintf("generic: unsupported period type %q", pt))
	}
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// PeriodKey identifies one concrete period instance.
type PeriodKey struct {
	Type       PeriodType
	Identifier string
}

func (k PeriodKey) String() string { return string(k.Type) + "/" + k.Identifier }

// Identifier returns the canonical identifier of the period of type pt that
// contains t. The date is taken in t's own location.
// Panics on an unsupported period type.
func Identifier(pt PeriodType, t time.Time) string {
	mustValid(pt)
	switch pt {
	case PeriodYearly:
		return fmt.Sprintf("%04d", t.Year())
	case PeriodMonthly:
		return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
	default:
		return fmt.Sprintf("%04d-W%02d", t.Year(), WeekOfYear(t))
	}
}

// WeekOfYear returns the Sunday-start week number used by weekly identifiers.
func WeekOfYear(t time.Time) int {
	dayOfYear := t.YearDay() - 1
	jan1 := StartOfYear(t.Year())
	return (dayOfYear+int(jan1.Weekday())+1+6) / 7
}

// WeeksInYear returns the highest week number the year produces.
func WeeksInYear(year int) int {
	return WeekOfYear(EndOfYear(year))
}

// ParseIdentifier validates id against the format of pt and returns its
// boundaries. Only the canonical spelling is accepted: "2026-W+4" names the
// same week as "2026-W04" and is rejected, so one period never has two keys.
func ParseIdentifier(pt PeriodType, id string) (AvailablePeriod, error) {
	p, err := parseIdentifier(pt, id)
	if err != nil {
		return AvailablePeriod{}, err
	}
	if p.Identifier != id {
		return AvailablePeriod{}, &ValidationError{
			Field:   "period_identifier",
			Message: fmt.Sprintf("invalid %s identifier %q: not canonical, want %q", pt, id, p.Identifier),
		}
	}
	return p, nil
}

func parseIdentifier(pt PeriodType, id string) (AvailablePeriod, error) {
	if !pt.Valid() {
		return AvailablePeriod{}, &ValidationError{Field: "period_type", Message: fmt.Sprintf("unsupported period type %q", pt)}
	}
	invalid := func(reason string) error {
		return &ValidationError{
			Field:   "period_identifier",
			Message: fmt.Sprintf("invalid %s identifier %q: %s", pt, id, reason),
		}
	}

	switch pt {
	case PeriodYearly:
		year, ok := parseYear(id)
		if !ok || len(id) != 4 {
			return AvailablePeriod{}, invalid("want YYYY")
		}
		return yearPeriod(year), nil

	case PeriodMonthly:
		if len(id) != 7 || id[4] != '-' {
			return AvailablePeriod{}, invalid("want YYYY-MM")
		}
		year, ok := parseYear(id[:4])
		if !ok {
			return AvailablePeriod{}, invalid("bad year")
		}
		month, err := strconv.Atoi(id[5:])
		if err != nil || month < 1 || month > 12 {
			return AvailablePeriod{}, invalid("month out of range")
		}
		return monthPeriod(year, time.Month(month)), nil

	default:
		if len(id) != 8 || id[4:6] != "-W" {
			return AvailablePeriod{}, invalid("want YYYY-Www")
		}
		year, ok := parseYear(id[:4])
		if !ok {
			return AvailablePeriod{}, invalid("bad year")
		}
		week, err := strconv.Atoi(id[6:])
		if err != nil || week < 1 || week > WeeksInYear(year) {
			return AvailablePeriod{}, invalid("week out of range")
		}
		return weekPeriod(year, week), nil
	}
}

func parseYear(s string) (int, bool) {
	if len(s) != 4 || !allDigits(s) {
		return 0, false
	}
	year, err := strconv.Atoi(s)
	if err != nil || year < 1 {
		return 0, false
	}
	return year, true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// =============================================================================
// ORDERING
// =============================================================================

// Compare orders two identifiers of the same period type chronologically.
// Returns -1, 0 or +1.
func Compare(a, b string) int {
	// Zero-padded identifiers are ASCII-only, so a byte-wise comparison is exact.
	return strings.Compare(a, b)
}

// Classification of an identifier relative to the current one.
type Classification string

const (
	ClassCurrent  Classification = "current"
	ClassUpcoming Classification = "upcoming"
	ClassArchived Classification = "archived"
)

// Classify places id relative to current.
func Classify(id, current string) Classification {
	switch c := Compare(id, current); {
	case c == 0:
		return ClassCurrent
	case c > 0:
		return ClassUpcoming
	default:
		return ClassArchived
	}
}

// PeriodPartition groups identifiers by Classify.
type PeriodPartition struct {
	Current  []string
	Upcoming []string
	Archived []string
}

// CurrentUpcomingArchived partitions ids relative to current, preserving input order.
func CurrentUpcomingArchived(ids []string, current string) PeriodPartition {
	var p PeriodPartition
	for _, id := range ids {
		switch Classify(id, current) {
		case ClassCurrent:
			p.Current = append(p.Current, id)
		case ClassUpcoming:
			p.Upcoming = append(p.Upcoming, id)
		default:
			p.Archived = append(p.Archived, id)
		}
	}
	return p
}

// =============================================================================
// BOUNDARIES
// =============================================================================

// AvailablePeriod is the calendar range backing one identifier.
// Start and End are inclusive calendar days in UTC.
type AvailablePeriod struct {
	Type       PeriodType
	Identifier string
	Start      time.Time
	End        time.Time
}

// Key returns the period key.
func (p AvailablePeriod) Key() PeriodKey { return PeriodKey{Type: p.Type, Identifier: p.Identifier} }

// Contains reports whether the calendar day of t falls inside the period.
func (p AvailablePeriod) Contains(t time.Time) bool {
	day := DateOf(t)
	return !day.Before(p.Start) && !day.After(p.End)
}

// PeriodFor returns the period of type pt containing t.
func PeriodFor(pt PeriodType, t time.Time) AvailablePeriod {
	mustValid(pt)
	switch pt {
	case PeriodYearly:
		return yearPeriod(t.Year())
	case PeriodMonthly:
		return monthPeriod(t.Year(), t.Month())
	default:
		return weekPeriod(t.Year(), WeekOfYear(t))
	}
}

// Next returns the period immediately after p.
func (p AvailablePeriod) Next() AvailablePeriod {
	return PeriodFor(p.Type, p.End.AddDate(0, 0, 1))
}

// Previous returns the period immediately before p.
func (p AvailablePeriod) Previous() AvailablePeriod {
	return PeriodFor(p.Type, p.Start.AddDate(0, 0, -1))
}

// EnumeratePeriods returns `past` periods before the one containing now, that
// period itself, and `future` periods after it, in chronological order.
func EnumeratePeriods(pt PeriodType, now time.Time, past, future int) []AvailablePeriod {
	current := PeriodFor(pt, now)

	periods := make([]AvailablePeriod, 0, past+future+1)
	p := current
	for i := 0; i < past; i++ {
		p = p.Previous()
		periods = append(periods, p)
	}
	// reverse the backwards walk
	for i, j := 0, len(periods)-1; i < j; i, j = i+1, j-1 {
		periods[i], periods[j] = periods[j], periods[i]
	}

	periods = append(periods, current)
	p = current
	for i := 0; i < future; i++ {
		p = p.Next()
		periods = append(periods, p)
	}
	return periods
}

// PeriodsInYear enumerates every period of type pt in a calendar year.
func PeriodsInYear(pt PeriodType, year int) []AvailablePeriod {
	mustValid(pt)
	switch pt {
	case PeriodYearly:
		return []AvailablePeriod{yearPeriod(year)}
	case PeriodMonthly:
		out := make([]AvailablePeriod, 0, 12)
		for m := time.January; m <= time.December; m++ {
			out = append(out, monthPeriod(year, m))
		}
		return out
	default:
		n := WeeksInYear(year)
		out := make([]AvailablePeriod, 0, n)
		for w := 1; w <= n; w++ {
			out = append(out, weekPeriod(year, w))
		}
		return out
	}
}

func yearPeriod(year int) AvailablePeriod {
	return AvailablePeriod{
		Type:       PeriodYearly,
		Identifier: fmt.Sprintf("%04d", year),
		Start:      StartOfYear(year),
		End:        EndOfYear(year),
	}
}

func monthPeriod(year int, month time.Month) AvailablePeriod {
	return AvailablePeriod{
		Type:       PeriodMonthly,
		Identifier: fmt.Sprintf("%04d-%02d", year, int(month)),
		Start:      StartOfMonth(year, month),
		End:        EndOfMonth(year, month),
	}
}

func weekPeriod(year, week int) AvailablePeriod {
	jan1 := StartOfYear(year)
	// Sunday on or before Jan 1 anchors week 1.
	anchor := jan1.AddDate(0, 0, -int(jan1.Weekday()))
	start := anchor.AddDate(0, 0, 7*(week-1))
	end := start.AddDate(0, 0, 6)
	if start.Before(jan1) {
		start = jan1
	}
	if last := EndOfYear(year); end.After(last) {
		end = last
	}
	return AvailablePeriod{
		Type:       PeriodWeekly,
		Identifier: fmt.Sprintf("%04d-W%02d", year, week),
		Start:      start,
		End:        end,
	}
}
