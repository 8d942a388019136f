package domain

import (
	"errors"
	"time"
)

var ErrInvalidInterval = errors.New("end_time must be after start_time")

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start, end time.Time) (Interval, error) {
	if !end.After(start) {
		return Interval{}, ErrInvalidInterval
	}
	return Interval{Start: start.UTC(), End: end.UTC()}, nil
}

// Overlaps reports whether the two intervals share any instant. Touching
// endpoints do not overlap.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// Pad returns a copy widened by before at the start and after at the end.
func (i Interval) Pad(before, after time.Duration) Interval {
	return Interval{Start: i.Start.Add(-before), End: i.End.Add(after)}
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

func (i Interval) Valid() bool {
	return i.End.After(i.Start)
}
