package kpi

import "time"

// =============================================================================
// PERIOD - The natural key of every stored value
// =============================================================================

// Period is an inclusive [Start, End] range in UTC.
// Stored values are keyed by periods produced by ResolvePeriod only.
//
// Examples:
//   - MONTHLY,   2025-02-14: 2025-02-01T00:00:00.000Z - 2025-02-28T23:59:59.999Z
//   - QUARTERLY, 2025-02-14: 2025-01-01T00:00:00.000Z - 2025-03-31T23:59:59.999Z
//   - YEARLY,    2025-02-14: 2025-01-01T00:00:00.000Z - 2025-12-31T23:59:59.999Z
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within [Start, End].
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// Equal compares both bounds.
func (p Period) Equal(other Period) bool {
	return p.Start.Equal(other.Start) && p.End.Equal(other.End)
}

func (p Period) String() string {
	const layout = "2006-01-02T15:04:05.000Z07:00"
	return "[" + p.Start.Format(layout) + ", " + p.End.Format(layout) + "]"
}

// ResolvePeriod returns the canonical period of granularity g containing now.
// ok is false for NONE, which has no periods.
func ResolvePeriod(now time.Time, g Granularity) (p Period, ok bool) {
	now = now.UTC()
	year, month := now.Year(), now.Month()

	var start time.Time
	var months int
	switch g {
	case GranularityMonthly:
		start = time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		months = 1
	case GranularityQuarterly:
		first := time.Month((int(month)-1)/3*3 + 1)
		start = time.Date(year, first, 1, 0, 0, 0, 0, time.UTC)
		months = 3
	case GranularityYearly:
		start = time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		months = 12
	default:
		return Period{}, false
	}

	end := start.AddDate(0, months, 0).Add(-time.Millisecond)
	return Period{Start: start, End: end}, true
}
