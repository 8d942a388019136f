package domain

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCheckedIn Status = "checked_in"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Occupies reports whether an appointment in this status blocks the staff
// member's time. Every status must be listed here.
func (s Status) Occupies() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCheckedIn:
		return true
	case StatusCompleted, StatusCancelled:
		return false
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCheckedIn, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus accepts the canonical names plus the hyphenated "checked-in".
func ParseStatus(raw string) (Status, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown appointment status %q", raw)
	}
	return st, nil
}
