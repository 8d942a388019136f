package availability

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"salonavail/backend/internal/buffer"
	"salonavail/backend/internal/conflict"
	"salonavail/backend/internal/domain"
	"salonavail/backend/internal/store"
)

const (
	DefaultLockTimeout = 5 * time.Second
	maxDuration        = 24 * time.Hour
	maxSlotWindow      = 31 * 24 * time.Hour
)

type policyStore interface {
	PolicyFor(staffID string) buffer.Policy
	Settings() buffer.Settings
	SetPolicy(ctx context.Context, global buffer.Minutes, mode buffer.Mode) error
	SetOverride(ctx context.Context, staffID string, before, after int) error
	ClearOverride(ctx context.Context, staffID string) error
}

// Service answers "is this staff member free" and is the only path that
// commits appointment intervals. Reserve, Reschedule, Release and ApplyEvent
// run check-and-commit under a per-staff lock; CheckAvailability does not and
// is advisory only.
type Service struct {
	calendar    store.Calendar
	policies    policyStore
	locks       *staffLocks
	lockTimeout time.Duration
	log         *slog.Logger
}

type Option func(*Service)

// WithLockTimeout bounds how long a mutating call may wait for and hold a
// staff member's critical section.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func NewService(calendar store.Calendar, policies policyStore, opts ...Option) *Service {
	s := &Service{
		calendar:    calendar,
		policies:    policies,
		locks:       newStaffLocks(),
		lockTimeout: DefaultLockTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "availability"))
	return s
}

type CheckInput struct {
	StaffID    string
	LocationID string
	Start      time.Time
	End        time.Time
	ExcludeID  string
}

type Availability struct {
	Available bool
	Conflicts []domain.Appointment
}

func (s *Service) CheckAvailability(ctx context.Context, in CheckInput) (Availability, error) {
	staffID := strings.TrimSpace(in.StaffID)
	if staffID == "" {
		return Availability{}, validationError("staff_id is required")
	}
	iv, err := bookableInterval(in.Start, in.End)
	if err != nil {
		return Availability{}, err
	}

	kind := buffer.KindNew
	if in.ExcludeID != "" {
		kind = buffer.KindEdit
	}
	c := conflict.Candidate{StaffID: staffID, Interval: iv}

	existing, err := s.calendar.Overlapping(ctx, staffID, conflict.SearchWindow(c, s.policies, kind))
	if err != nil {
		return Availability{}, failClosed(err)
	}
	conflicts := conflict.FindConflicts(c, existing, s.policies, conflict.Options{ExcludeID: in.ExcludeID, Kind: kind})
	return Availability{Available: len(conflicts) == 0, Conflicts: conflicts}, nil
}

type ReserveInput struct {
	ID             string
	StaffID        string
	LocationID     string
	Start          time.Time
	End            time.Time
	Status         domain.Status
	ParticipantIDs []string
}

// Outcome is the result of Reserve or Reschedule. A conflict is a normal
// outcome: Reserved is false and Conflicts lists every blocking appointment.
type Outcome struct {
	Reserved    bool
	Appointment domain.Appointment
	Conflicts   []domain.Appointment
}

func (s *Service) Reserve(ctx context.Context, in ReserveInput) (Outcome, error) {
	appt, err := newAppointment(in)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err = s.withStaffLock(ctx, appt.StaffID, func(ctx context.Context, tx store.AppointmentIndex) error {
		prev, err := tx.Get(ctx, appt.ID)
		switch {
		case err == nil:
			if prev.Active() && sameSlot(prev, appt) {
				out = Outcome{Reserved: true, Appointment: prev}
				return nil
			}
			return store.ErrIdempotencyConflict
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		c := conflict.Candidate{StaffID: appt.StaffID, Interval: appt.Interval()}
		existing, err := tx.Overlapping(ctx, appt.StaffID, conflict.SearchWindow(c, s.policies, buffer.KindNew))
		if err != nil {
			return err
		}
		if conflicts := conflict.FindConflicts(c, existing, s.policies, conflict.Options{Kind: buffer.KindNew}); len(conflicts) > 0 {
			out = Outcome{Appointment: appt, Conflicts: conflicts}
			return nil
		}

		// The id may have been taken under another staff member's lock since
		// the Get above.
		if err := tx.Insert(ctx, appt); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return store.ErrIdempotencyConflict
			}
			return err
		}
		out = Outcome{Reserved: true, Appointment: appt}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

type RescheduleInput struct {
	ID         string
	Start      time.Time
	End        time.Time
	LocationID string
}

var errStaffChanged = errors.New("appointment changed staff while waiting for its lock")

// Reschedule moves an appointment to a new interval. The old slot stays
// booked until the new one has been confirmed free, and both are swapped in
// one write.
func (s *Service) Reschedule(ctx context.Context, in RescheduleInput) (Outcome, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return Outcome{}, validationError("appointment_id is required")
	}
	iv, err := bookableInterval(in.Start, in.End)
	if err != nil {
		return Outcome{}, err
	}

	// The staff member is only known after a lookup; if the feed moves the
	// appointment to someone else in between, look it up again.
	for attempt := 0; attempt < 3; attempt++ {
		prev, err := s.calendar.Get(ctx, id)
		if err != nil {
			return Outcome{}, failClosed(err)
		}

		out, err := s.rescheduleLocked(ctx, prev.StaffID, id, iv, strings.TrimSpace(in.LocationID))
		if errors.Is(err, errStaffChanged) {
			continue
		}
		return out, err
	}
	return Outcome{}, failClosed(errStaffChanged)
}

func (s *Service) rescheduleLocked(ctx context.Context, staffID, id string, iv domain.Interval, locationID string) (Outcome, error) {
	var out Outcome
	err := s.withStaffLock(ctx, staffID, func(ctx context.Context, tx store.AppointmentIndex) error {
		cur, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.StaffID != staffID {
			return errStaffChanged
		}
		if !cur.Active() {
			return validationError("appointment is not active")
		}

		c := conflict.Candidate{StaffID: staffID, Interval: iv}
		existing, err := tx.Overlapping(ctx, staffID, conflict.SearchWindow(c, s.policies, buffer.KindEdit))
		if err != nil {
			return err
		}
		if conflicts := conflict.FindConflicts(c, existing, s.policies, conflict.Options{ExcludeID: id, Kind: buffer.KindEdit}); len(conflicts) > 0 {
			out = Outcome{Appointment: cur, Conflicts: conflicts}
			return nil
		}

		next := cur.Clone()
		next.StartTime = iv.Start
		next.EndTime = iv.End
		if locationID != "" {
			next.LocationID = locationID
		}
		if err := tx.Upsert(ctx, next); err != nil {
			return err
		}
		out = Outcome{Reserved: true, Appointment: next}
		return nil
	})
	if errors.Is(err, errStaffChanged) {
		return Outcome{}, errStaffChanged
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

type ReleaseResult struct {
	// Released is false when the id was unknown or already released.
	Released bool
}

// Release frees an appointment's interval. It is idempotent: unknown or
// already released ids succeed without doing anything.
func (s *Service) Release(ctx context.Context, id string) (ReleaseResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ReleaseResult{}, validationError("appointment_id is required")
	}

	prev, err := s.calendar.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ReleaseResult{}, nil
	}
	if err != nil {
		return ReleaseResult{}, failClosed(err)
	}

	var out ReleaseResult
	err = s.withStaffLock(ctx, prev.StaffID, func(ctx context.Context, tx store.AppointmentIndex) error {
		cur, err := tx.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !cur.Active() {
			return nil
		}
		if err := tx.MarkCancelled(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		out.Released = true
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	return out, nil
}

type FreeSlotsInput struct {
	StaffID     string
	WindowStart time.Time
	WindowEnd   time.Time
	Duration    time.Duration
	Step        time.Duration
}

// FindFreeSlots lists the intervals of the requested duration inside the
// window that a new booking could take. Like CheckAvailability it is advisory.
func (s *Service) FindFreeSlots(ctx context.Context, in FreeSlotsInput) ([]domain.Interval, error) {
	staffID := strings.TrimSpace(in.StaffID)
	if staffID == "" {
		return nil, validationError("staff_id is required")
	}
	window, err := domain.NewInterval(in.WindowStart, in.WindowEnd)
	if err != nil {
		return nil, validationError("window_end must be after window_start")
	}
	if window.Duration() > maxSlotWindow {
		return nil, validationError("window too long")
	}
	if in.Duration <= 0 {
		return nil, validationError("duration must be positive")
	}
	if in.Duration > maxDuration {
		return nil, validationError("duration too long")
	}
	step := in.Step
	if step <= 0 {
		step = in.Duration
	}

	c := conflict.Candidate{StaffID: staffID, Interval: window}
	existing, err := s.calendar.Overlapping(ctx, staffID, conflict.SearchWindow(c, s.policies, buffer.KindNew))
	if err != nil {
		return nil, failClosed(err)
	}
	return conflict.FreeSlots(staffID, window, in.Duration, step, existing, s.policies, conflict.Options{Kind: buffer.KindNew}), nil
}

func (s *Service) ListStaffIntervals(ctx context.Context, staffID string) ([]domain.Appointment, error) {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return nil, validationError("staff_id is required")
	}
	appts, err := s.calendar.ActiveIntervalsFor(ctx, staffID)
	if err != nil {
		return nil, failClosed(err)
	}
	return appts, nil
}

func (s *Service) withStaffLock(ctx context.Context, staffID string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error {
	return s.withStaffLocks(ctx, []string{staffID}, fn)
}

// withStaffLocks runs fn while holding the locks of every listed staff
// member, for changes that move an appointment between calendars.
func (s *Service) withStaffLocks(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	release, err := s.locks.acquire(ctx, staffIDs...)
	if err != nil {
		s.log.Warn("staff lock not acquired", slog.Any("staff_ids", staffIDs), slog.Any("err", err))
		return failClosed(err)
	}
	defer release()

	if err := s.calendar.InStaffTransaction(ctx, staffIDs, fn); err != nil {
		if errors.Is(err, errStaffChanged) {
			return err
		}
		return failClosed(err)
	}
	return nil
}

// bookableInterval validates a requested interval. Appointments longer than
// maxDuration are rejected for checks and bookings alike.
func bookableInterval(start, end time.Time) (domain.Interval, error) {
	iv, err := domain.NewInterval(start, end)
	if err != nil {
		return domain.Interval{}, wrapValidation(err)
	}
	if iv.Duration() > maxDuration {
		return domain.Interval{}, validationError("duration too long")
	}
	return iv, nil
}

func newAppointment(in ReserveInput) (domain.Appointment, error) {
	staffID := strings.TrimSpace(in.StaffID)
	if staffID == "" {
		return domain.Appointment{}, validationError("staff_id is required")
	}
	iv, err := bookableInterval(in.Start, in.End)
	if err != nil {
		return domain.Appointment{}, err
	}

	participants := normalizeParticipants(in.ParticipantIDs)
	if len(participants) == 0 {
		return domain.Appointment{}, validationError("at least one participant is required")
	}

	status := in.Status
	if status == "" {
		status = domain.StatusConfirmed
	}
	if !status.Occupies() {
		return domain.Appointment{}, validationError("status must be pending, confirmed or checked_in")
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		id = u.String()
	}

	return domain.Appointment{
		ID:             id,
		StaffID:        staffID,
		LocationID:     strings.TrimSpace(in.LocationID),
		StartTime:      iv.Start,
		EndTime:        iv.End,
		Status:         status,
		ParticipantIDs: participants,
	}, nil
}

func normalizeParticipants(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func sameSlot(a, b domain.Appointment) bool {
	return a.StaffID == b.StaffID && a.StartTime.Equal(b.StartTime) && a.EndTime.Equal(b.EndTime)
}
