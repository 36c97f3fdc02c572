package schedule

import (
	"strings"
	"time"
)

// Occurrence is the recurrence rule of a medicine schedule.
type Occurrence string

const (
	OccurrenceOnce    Occurrence = "once"
	OccurrenceDaily   Occurrence = "daily"
	OccurrenceWeekly  Occurrence = "weekly"
	OccurrenceMonthly Occurrence = "monthly"
	OccurrenceCustom  Occurrence = "custom"
	OccurrenceUnknown Occurrence = ""
)

// ParseOccurrence normalizes a stored occurrence value. Anything unrecognized
// maps to OccurrenceUnknown.
func ParseOccurrence(s string) Occurrence {
	switch o := Occurrence(strings.ToLower(strings.TrimSpace(s))); o {
	case OccurrenceOnce, OccurrenceDaily, OccurrenceWeekly, OccurrenceMonthly, OccurrenceCustom:
		return o
	default:
		return OccurrenceUnknown
	}
}

// Recurring reports whether the rule ever yields a next occurrence.
func (o Occurrence) Recurring() bool {
	switch o {
	case OccurrenceDaily, OccurrenceWeekly, OccurrenceMonthly:
		return true
	default:
		return false
	}
}

// NextOccurrence is NextOccurrenceIn evaluated in UTC.
func NextOccurrence(base time.Time, occ Occurrence, now time.Time) *time.Time {
	return NextOccurrenceIn(time.UTC, base, occ, now)
}

// NextOccurrenceIn returns the first instant after now that the rule yields
// from base, or nil when the rule never repeats. Missed periods are skipped
// rather than replayed.
//
// Calendar steps are taken in loc so the local wall-clock time survives DST
// changes. Monthly steps keep base's day of month and clamp to the last day
// of shorter months: Jan 31 steps to Feb 28 (29 in leap years), then Mar 31.
func NextOccurrenceIn(loc *time.Location, base time.Time, occ Occurrence, now time.Time) *time.Time {
	if !occ.Recurring() {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}

	local := base.In(loc)
	for n := 1; ; n++ {
		next := step(local, occ, n).UTC()
		if next.After(now) {
			return &next
		}
	}
}

// step advances t by n periods of occ.
func step(t time.Time, occ Occurrence, n int) time.Time {
	switch occ {
	case OccurrenceDaily:
		return t.AddDate(0, 0, n)
	case OccurrenceWeekly:
		return t.AddDate(0, 0, 7*n)
	default:
		return addMonthsClamped(t, n)
	}
}

func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	ty, tm, _ := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC).Date()
	if last := daysIn(ty, tm); d > last {
		d = last
	}
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
