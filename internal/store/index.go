package store

import (
	"context"

	"salonavail/backend/internal/domain"
)

// AppointmentIndex is the queryable set of appointment intervals keyed by staff
// member. Location never partitions lookups.
type AppointmentIndex interface {
	Get(ctx context.Context, id string) (domain.Appointment, error)
	// ActiveIntervalsFor returns the occupying appointments of staffID ordered
	// by start time.
	ActiveIntervalsFor(ctx context.Context, staffID string) ([]domain.Appointment, error)
	// Overlapping returns the occupying appointments of staffID that overlap
	// window, ordered by start time.
	Overlapping(ctx context.Context, staffID string, window domain.Interval) ([]domain.Appointment, error)

	// Insert adds a new appointment and returns ErrConflict when the id is
	// already taken.
	Insert(ctx context.Context, appt domain.Appointment) error
	Upsert(ctx context.Context, appt domain.Appointment) error
	Remove(ctx context.Context, id string) error
	MarkCancelled(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status domain.Status) error
}

// Calendar is an AppointmentIndex that can run a function inside a
// transaction scoped to one or more staff members. Mutations must only happen
// through tx.
type Calendar interface {
	AppointmentIndex
	InStaffTransaction(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx AppointmentIndex) error) error
}
