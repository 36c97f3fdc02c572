// Package schedule holds the pure timing rules of the reminder queue: which
// entries fire now and when a recurring medicine fires next.
package schedule

import (
	"time"

	"github.com/lalithlochan/medreminder/internal/db"
)

// Tolerance absorbs jitter in the external trigger, which is not guaranteed
// to run exactly on the minute.
const Tolerance = 2 * time.Minute

// SendTime is the instant an entry is meant to fire.
func SendTime(e db.QueueEntry) time.Time {
	return e.ScheduledAt.Add(-time.Duration(e.MinutesBefore) * time.Minute)
}

// IsDue reports whether a pending entry's send time lies within Tolerance of now.
func IsDue(e db.QueueEntry, now time.Time) bool {
	if !e.Pending() {
		return false
	}
	diff := now.Sub(SendTime(e))
	if diff < 0 {
		diff = -diff
	}
	return diff <= Tolerance
}

// SelectDue returns the entries that should fire at now, in input order.
func SelectDue(entries []db.QueueEntry, now time.Time) []db.QueueEntry {
	var due []db.QueueEntry
	for _, e := range entries {
		if IsDue(e, now) {
			due = append(due, e)
		}
	}
	return due
}

// Overdue returns pending entries whose send time passed more than Tolerance
// ago. They can never become due again.
func Overdue(entries []db.QueueEntry, now time.Time) []db.QueueEntry {
	var out []db.QueueEntry
	for _, e := range entries {
		if e.Pending() && now.Sub(SendTime(e)) > Tolerance {
			out = append(out, e)
		}
	}
	return out
}
