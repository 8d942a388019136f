package availability

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"salonavail/backend/internal/buffer"
	"salonavail/backend/internal/conflict"
	"salonavail/backend/internal/domain"
	"salonavail/backend/internal/store"
)

type EventType string

const (
	EventCreated       EventType = "created"
	EventUpdated       EventType = "updated"
	EventStatusChanged EventType = "status_changed"
	EventCancelled     EventType = "cancelled"
	EventCompleted     EventType = "completed"
)

// StatusEvent is an authoritative change published by the appointment owner.
// Created and updated events carry the full appointment; the others only need
// ID (and Status for status_changed).
type StatusEvent struct {
	Type           EventType
	ID             string
	StaffID        string
	LocationID     string
	Start          time.Time
	End            time.Time
	Status         domain.Status
	ParticipantIDs []string
}

// ApplyEvent keeps the index in step with the appointment owner. Events are
// not re-validated against conflicts; overlaps are only logged.
func (s *Service) ApplyEvent(ctx context.Context, ev StatusEvent) error {
	id := strings.TrimSpace(ev.ID)
	if id == "" {
		return validationError("appointment_id is required")
	}

	switch ev.Type {
	case EventCreated, EventUpdated:
		return s.applyUpsert(ctx, ev)
	case EventCancelled:
		return s.applyStatus(ctx, id, domain.StatusCancelled)
	case EventCompleted:
		return s.applyStatus(ctx, id, domain.StatusCompleted)
	case EventStatusChanged:
		if !ev.Status.Valid() {
			return validationError("invalid status")
		}
		return s.applyStatus(ctx, id, ev.Status)
	default:
		return validationError("unknown event type")
	}
}

func (s *Service) applyUpsert(ctx context.Context, ev StatusEvent) error {
	staffID := strings.TrimSpace(ev.StaffID)
	if staffID == "" {
		return validationError("staff_id is required")
	}
	iv, err := domain.NewInterval(ev.Start, ev.End)
	if err != nil {
		return wrapValidation(err)
	}
	status := ev.Status
	if status == "" {
		status = domain.StatusConfirmed
	}
	if !status.Valid() {
		return validationError("invalid status")
	}

	appt := domain.Appointment{
		ID:             strings.TrimSpace(ev.ID),
		StaffID:        staffID,
		LocationID:     strings.TrimSpace(ev.LocationID),
		StartTime:      iv.Start,
		EndTime:        iv.End,
		Status:         status,
		ParticipantIDs: normalizeParticipants(ev.ParticipantIDs),
	}

	// A move between staff members needs both calendars locked, otherwise a
	// Reschedule holding the old staff member's lock could write back the
	// pre-move row.
	for attempt := 0; attempt < 3; attempt++ {
		lockIDs := []string{staffID}
		prev, err := s.calendar.Get(ctx, appt.ID)
		switch {
		case err == nil:
			lockIDs = append(lockIDs, prev.StaffID)
		case !errors.Is(err, store.ErrNotFound):
			return failClosed(err)
		}

		err = s.withStaffLocks(ctx, lockIDs, func(ctx context.Context, tx store.AppointmentIndex) error {
			return s.upsertLocked(ctx, tx, appt, lockIDs)
		})
		if errors.Is(err, errStaffChanged) {
			continue
		}
		return err
	}
	return failClosed(errStaffChanged)
}

func (s *Service) upsertLocked(ctx context.Context, tx store.AppointmentIndex, appt domain.Appointment, locked []string) error {
	cur, err := tx.Get(ctx, appt.ID)
	switch {
	case err == nil:
		if !slices.Contains(locked, cur.StaffID) {
			return errStaffChanged
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	if appt.Active() {
		c := conflict.Candidate{StaffID: appt.StaffID, Interval: appt.Interval()}
		existing, err := tx.Overlapping(ctx, appt.StaffID, conflict.SearchWindow(c, s.policies, buffer.KindEdit))
		if err != nil {
			return err
		}
		if conflicts := conflict.FindConflicts(c, existing, s.policies, conflict.Options{ExcludeID: appt.ID, Kind: buffer.KindEdit}); len(conflicts) > 0 {
			s.log.Warn(
				"feed appointment overlaps booked time",
				slog.String("appointment_id", appt.ID),
				slog.String("staff_id", appt.StaffID),
				slog.Int("conflicts", len(conflicts)),
			)
		}
	}
	return tx.Upsert(ctx, appt)
}

func (s *Service) applyStatus(ctx context.Context, id string, status domain.Status) error {
	prev, err := s.calendar.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Debug("status event for unknown appointment", slog.String("appointment_id", id), slog.String("status", string(status)))
		return nil
	}
	if err != nil {
		return failClosed(err)
	}

	return s.withStaffLock(ctx, prev.StaffID, func(ctx context.Context, tx store.AppointmentIndex) error {
		err := tx.SetStatus(ctx, id, status)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
}
