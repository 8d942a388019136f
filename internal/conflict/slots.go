package conflict

import (
	"time"

	"salonavail/backend/internal/domain"
)

// FreeSlots returns the starts of every interval of length duration, stepping
// by step through window, that fits inside window and has no conflicts.
func FreeSlots(staffID string, window domain.Interval, duration, step time.Duration, existing []domain.Appointment, policies PolicyResolver, opts Options) []domain.Interval {
	if duration <= 0 || step <= 0 || !window.Valid() {
		return nil
	}

	var slots []domain.Interval
	for t := window.Start; !t.Add(duration).After(window.End); t = t.Add(step) {
		c := Candidate{StaffID: staffID, Interval: domain.Interval{Start: t, End: t.Add(duration)}}
		if len(FindConflicts(c, existing, policies, opts)) == 0 {
			slots = append(slots, c.Interval)
		}
	}
	return slots
}
