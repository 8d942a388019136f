package availability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"salonavail/backend/internal/buffer"
	"salonavail/backend/internal/domain"
	"salonavail/backend/internal/store"
	"salonavail/backend/internal/store/memory"
)

type fakeCalendar struct {
	*memory.Index
	overlappingFn func(ctx context.Context, staffID string, window domain.Interval) ([]domain.Appointment, error)
	inStaffTxFn   func(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error
}

func (f *fakeCalendar) Overlapping(ctx context.Context, staffID string, window domain.Interval) ([]domain.Appointment, error) {
	if f.overlappingFn == nil {
		return f.Index.Overlapping(ctx, staffID, window)
	}
	return f.overlappingFn(ctx, staffID, window)
}

func (f *fakeCalendar) InStaffTransaction(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error {
	if f.inStaffTxFn == nil {
		return f.Index.InStaffTransaction(ctx, staffIDs, fn)
	}
	return f.inStaffTxFn(ctx, staffIDs, fn)
}

func newTestService(t *testing.T, before, after int, mode buffer.Mode, opts ...Option) (*Service, *buffer.Store) {
	t.Helper()
	policies, err := buffer.NewStore(buffer.Minutes{Before: before, After: after}, mode)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	return NewService(memory.NewIndex(), policies, opts...), policies
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 6, 1, hour, minute, 0, 0, time.UTC)
}

func reserve(t *testing.T, svc *Service, id, staffID string, sh, sm, eh, em int) Outcome {
	t.Helper()
	out, err := svc.Reserve(context.Background(), ReserveInput{
		ID:             id,
		StaffID:        staffID,
		LocationID:     "l1",
		Start:          at(sh, sm),
		End:            at(eh, em),
		ParticipantIDs: []string{"c1"},
	})
	if err != nil {
		t.Fatalf("Reserve(%s) error: %v", id, err)
	}
	return out
}

func check(t *testing.T, svc *Service, staffID string, sh, sm, eh, em int, excludeID string) Availability {
	t.Helper()
	got, err := svc.CheckAvailability(context.Background(), CheckInput{
		StaffID:   staffID,
		Start:     at(sh, sm),
		End:       at(eh, em),
		ExcludeID: excludeID,
	})
	if err != nil {
		t.Fatalf("CheckAvailability error: %v", err)
	}
	return got
}

func conflictIDs(appts []domain.Appointment) string {
	ids := make([]string, 0, len(appts))
	for _, a := range appts {
		ids = append(ids, a.ID)
	}
	return fmt.Sprint(ids)
}

func TestService_EndToEndScenario(t *testing.T) {
	svc, _ := newTestService(t, 15, 15, buffer.ModeAll)
	ctx := context.Background()

	if out := reserve(t, svc, "A1", "S1", 14, 0, 15, 0); !out.Reserved {
		t.Fatalf("A1 not reserved: %s", conflictIDs(out.Conflicts))
	}

	got, err := svc.CheckAvailability(ctx, CheckInput{StaffID: "S1", LocationID: "L2", Start: at(15, 5), End: at(16, 5)})
	if err != nil {
		t.Fatalf("CheckAvailability error: %v", err)
	}
	if got.Available || conflictIDs(got.Conflicts) != "[A1]" {
		t.Fatalf("availability = %v conflicts=%s, want unavailable [A1]", got.Available, conflictIDs(got.Conflicts))
	}

	out, err := svc.Reserve(ctx, ReserveInput{ID: "A2", StaffID: "S1", LocationID: "L2", Start: at(15, 20), End: at(16, 20), ParticipantIDs: []string{"c9"}})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if !out.Reserved {
		t.Fatalf("A2 not reserved: %s", conflictIDs(out.Conflicts))
	}

	got = check(t, svc, "S1", 15, 0, 16, 0, "A2")
	if got.Available || conflictIDs(got.Conflicts) != "[A1]" {
		t.Fatalf("availability = %v conflicts=%s, want unavailable [A1]", got.Available, conflictIDs(got.Conflicts))
	}
}

func TestService_BufferSymmetry(t *testing.T) {
	svc, _ := newTestService(t, 15, 15, buffer.ModeAll)
	reserve(t, svc, "a1", "s1", 14, 0, 15, 0)

	if got := check(t, svc, "s1", 15, 10, 16, 10, ""); got.Available {
		t.Fatalf("[15:10,16:10) should be unavailable")
	}
	if got := check(t, svc, "s1", 15, 20, 16, 20, ""); !got.Available {
		t.Fatalf("[15:20,16:20) should be available, conflicts=%s", conflictIDs(got.Conflicts))
	}
}

func TestService_SelfExclusionIgnoresBuffers(t *testing.T) {
	svc, _ := newTestService(t, 60, 60, buffer.ModeAll)
	reserve(t, svc, "a1", "s1", 14, 0, 15, 0)

	if got := check(t, svc, "s1", 14, 0, 15, 0, "a1"); !got.Available {
		t.Fatalf("own interval should be available when excluded, conflicts=%s", conflictIDs(got.Conflicts))
	}
}

func TestService_CrossStaffIndependence(t *testing.T) {
	svc, _ := newTestService(t, 15, 15, buffer.ModeAll)
	reserve(t, svc, "x1", "staff-x", 10, 0, 11, 0)

	if got := check(t, svc, "staff-y", 10, 0, 11, 0, ""); !got.Available {
		t.Fatalf("staff-y should be free, conflicts=%s", conflictIDs(got.Conflicts))
	}
	if out := reserve(t, svc, "y1", "staff-y", 10, 0, 11, 0); !out.Reserved {
		t.Fatalf("staff-y reservation rejected: %s", conflictIDs(out.Conflicts))
	}
}

func TestService_GroupBookingIsOneInterval(t *testing.T) {
	svc, _ := newTestService(t, 0, 0, buffer.ModeAll)
	ctx := context.Background()

	out, err := svc.Reserve(ctx, ReserveInput{
		ID:             "g1",
		StaffID:        "s1",
		Start:          at(10, 0),
		End:            at(11, 0),
		ParticipantIDs: []string{"c1", "c2", "c3", "c2"},
	})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if !out.Reserved || len(out.Appointment.ParticipantIDs) != 3 {
		t.Fatalf("group reserve = %+v", out)
	}

	active, err := svc.ListStaffIntervals(ctx, "s1")
	if err != nil {
		t.Fatalf("ListStaffIntervals error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active intervals = %d, want 1", len(active))
	}

	second := reserve(t, svc, "other", "s1", 10, 0, 11, 0)
	if second.Reserved || conflictIDs(second.Conflicts) != "[g1]" {
		t.Fatalf("second booking = %+v, want conflict with g1", second)
	}
}

func TestService_ReleaseIsIdempotentAndFreesSlot(t *testing.T) {
	svc, _ := newTestService(t, 15, 15, buffer.ModeAll)
	ctx := context.Background()
	reserve(t, svc, "a1", "s1", 14, 0, 15, 0)

	res, err := svc.Release(ctx, "a1")
	if err != nil || !res.Released {
		t.Fatalf("first Release = %+v, %v", res, err)
	}
	res, err = svc.Release(ctx, "a1")
	if err != nil || res.Released {
		t.Fatalf("second Release = %+v, %v", res, err)
	}
	res, err = svc.Release(ctx, "never-reserved")
	if err != nil || res.Released {
		t.Fatalf("unknown Release = %+v, %v", res, err)
	}

	if got := check(t, svc, "s1", 14, 0, 15, 0, ""); !got.Available {
		t.Fatalf("released slot still blocked by %s", conflictIDs(got.Conflicts))
	}
}

func TestService_ReserveRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(t, 0, 0, buffer.ModeAll)
	ctx := context.Background()

	tests := []struct {
		name string
		in   ReserveInput
	}{
		{name: "zero length", in: ReserveInput{StaffID: "s1", Start: at(10, 0), End: at(10, 0), ParticipantIDs: []string{"c1"}}},
		{name: "negative", in: ReserveInput{StaffID: "s1", Start: at(11, 0), End: at(10, 0), ParticipantIDs: []string{"c1"}}},
		{name: "missing staff", in: ReserveInput{Start: at(10, 0), End: at(11, 0), ParticipantIDs: []string{"c1"}}},
		{name: "no participants", in: ReserveInput{StaffID: "s1", Start: at(10, 0), End: at(11, 0), ParticipantIDs: []string{" "}}},
		{name: "cancelled status", in: ReserveInput{StaffID: "s1", Start: at(10, 0), End: at(11, 0), ParticipantIDs: []string{"c1"}, Status: domain.StatusCancelled}},
		{name: "too long", in: ReserveInput{StaffID: "s1", Start: at(0, 0), End: at(0, 0).Add(25 * time.Hour), ParticipantIDs: []string{"c1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Reserve(ctx, tt.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("err = %v (%T), want *ValidationError", err, err)
			}
		})
	}

	_, err := svc.Reserve(ctx, ReserveInput{StaffID: "s1", Start: at(10, 0), End: at(9, 0), ParticipantIDs: []string{"c1"}})
	if !errors.Is(err, domain.ErrInvalidInterval) {
		t.Fatalf("err = %v, want %v", err, domain.ErrInvalidInterval)
	}
}

func TestService_ReserveGeneratesIDAndReplaysIdempotently(t *testing.T) {
	svc, _ := newTestService(t, 0, 0, buffer.ModeAll)
	ctx := context.Background()

	out, err := svc.Reserve(ctx, ReserveInput{StaffID: "s1", Start: at(9, 0), End: at(10, 0), ParticipantIDs: []string{"c1"}})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if out.Appointment.ID == "" {
		t.Fatalf("expected generated id")
	}

	replay := reserve(t, svc, out.Appointment.ID, "s1", 9, 0, 10, 0)
	if !replay.Reserved || replay.Appointment.ID != out.Appointment.ID {
		t.Fatalf("replay = %+v", replay)
	}

	_, err = svc.Reserve(ctx, ReserveInput{ID: out.Appointment.ID, StaffID: "s1", Start: at(12, 0), End: at(13, 0), ParticipantIDs: []string{"c1"}})
	if !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want %v", err, store.ErrIdempotencyConflict)
	}
}

func TestService_Reschedule(t *testing.T) {
	ctx := context.Background()

	t.Run("moves into own buffer", func(t *testing.T) {
		svc, _ := newTestService(t, 30, 30, buffer.ModeAll)
		reserve(t, svc, "a1", "s1", 14, 0, 15, 0)

		out, err := svc.Reschedule(ctx, RescheduleInput{ID: "a1", Start: at(14, 30), End: at(15, 30), LocationID: "home-visit"})
		if err != nil {
			t.Fatalf("Reschedule error: %v", err)
		}
		if !out.Reserved || !out.Appointment.StartTime.Equal(at(14, 30)) || out.Appointment.LocationID != "home-visit" {
			t.Fatalf("outcome = %+v", out)
		}
		if got := check(t, svc, "s1", 13, 0, 13, 30, ""); !got.Available {
			t.Fatalf("old slot still blocked by %s", conflictIDs(got.Conflicts))
		}
	})

	t.Run("conflict keeps old slot", func(t *testing.T) {
		svc, _ := newTestService(t, 15, 15, buffer.ModeAll)
		reserve(t, svc, "a1", "s1", 9, 0, 10, 0)
		reserve(t, svc, "a2", "s1", 14, 0, 15, 0)

		out, err := svc.Reschedule(ctx, RescheduleInput{ID: "a1", Start: at(15, 0), End: at(16, 0)})
		if err != nil {
			t.Fatalf("Reschedule error: %v", err)
		}
		if out.Reserved || conflictIDs(out.Conflicts) != "[a2]" {
			t.Fatalf("outcome = %+v, want conflict with a2", out)
		}
		if got := check(t, svc, "s1", 9, 0, 10, 0, ""); got.Available {
			t.Fatalf("original slot was released by a failed reschedule")
		}
	})

	t.Run("unknown appointment", func(t *testing.T) {
		svc, _ := newTestService(t, 0, 0, buffer.ModeAll)
		_, err := svc.Reschedule(ctx, RescheduleInput{ID: "missing", Start: at(9, 0), End: at(10, 0)})
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want %v", err, store.ErrNotFound)
		}
	})

	t.Run("released appointment", func(t *testing.T) {
		svc, _ := newTestService(t, 0, 0, buffer.ModeAll)
		reserve(t, svc, "a1", "s1", 9, 0, 10, 0)
		if _, err := svc.Release(ctx, "a1"); err != nil {
			t.Fatalf("Release error: %v", err)
		}
		_, err := svc.Reschedule(ctx, RescheduleInput{ID: "a1", Start: at(11, 0), End: at(12, 0)})
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("err = %v, want *ValidationError", err)
		}
	})

	t.Run("new bookings only ignores buffers", func(t *testing.T) {
		svc, _ := newTestService(t, 15, 15, buffer.ModeNewBookingsOnly)
		reserve(t, svc, "a1", "s1", 9, 0, 10, 0)
		reserve(t, svc, "a2", "s1", 14, 0, 15, 0)

		out, err := svc.Reschedule(ctx, RescheduleInput{ID: "a1", Start: at(15, 0), End: at(16, 0)})
		if err != nil {
			t.Fatalf("Reschedule error: %v", err)
		}
		if !out.Reserved {
			t.Fatalf("reschedule rejected: %s", conflictIDs(out.Conflicts))
		}
		if got := check(t, svc, "s1", 16, 0, 17, 0, ""); got.Available {
			t.Fatalf("new booking should still respect buffers")
		}
	})
}

func TestService_ConcurrentReserveExactlyOneWins(t *testing.T) {
	for i := 0; i < 1000; i++ {
		svc, _ := newTestService(t, 0, 0, buffer.ModeAll)

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			outcomes [2]Outcome
			errs     [2]error
		)
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				<-start
				outcomes[g], errs[g] = svc.Reserve(context.Background(), ReserveInput{
					ID:             fmt.Sprintf("r%d", g),
					StaffID:        "s1",
					Start:          at(10, 0).Add(time.Duration(g) * 30 * time.Minute),
					End:            at(11, 0).Add(time.Duration(g) * 30 * time.Minute),
					ParticipantIDs: []string{"c1"},
				})
			}(g)
		}
		close(start)
		wg.Wait()

		reserved := 0
		for g := 0; g < 2; g++ {
			if errs[g] != nil {
				t.Fatalf("iteration %d: Reserve error: %v", i, errs[g])
			}
			if outcomes[g].Reserved {
				reserved++
			} else if len(outcomes[g].Conflicts) != 1 {
				t.Fatalf("iteration %d: loser conflicts = %s", i, conflictIDs(outcomes[g].Conflicts))
			}
		}
		if reserved != 1 {
			t.Fatalf("iteration %d: reserved = %d, want exactly 1", i, reserved)
		}
	}
}

func TestService_ConcurrentReserveNeverOverlaps(t *testing.T) {
	svc, _ := newTestService(t, 5, 5, buffer.ModeAll)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			offset := time.Duration(i%240) * time.Minute
			_, err := svc.Reserve(ctx, ReserveInput{
				ID:             fmt.Sprintf("r%d", i),
				StaffID:        "s1",
				Start:          at(8, 0).Add(offset),
				End:            at(8, 45).Add(offset),
				ParticipantIDs: []string{"c1"},
			})
			if err != nil {
				t.Errorf("Reserve error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	active, err := svc.ListStaffIntervals(ctx, "s1")
	if err != nil {
		t.Fatalf("ListStaffIntervals error: %v", err)
	}
	if len(active) == 0 {
		t.Fatalf("expected at least one reservation")
	}
	for i := 1; i < len(active); i++ {
		prevEnd := active[i-1].EndTime.Add(5 * time.Minute)
		if active[i].StartTime.Before(prevEnd) {
			t.Fatalf("%s [%v,%v) overlaps %s [%v,%v) within buffer",
				active[i-1].ID, active[i-1].StartTime, active[i-1].EndTime,
				active[i].ID, active[i].StartTime, active[i].EndTime)
		}
	}
}

func TestService_PolicyChangesApplyImmediately(t *testing.T) {
	svc, _ := newTestService(t, 0, 0, buffer.ModeAll)
	ctx := context.Background()
	reserve(t, svc, "a1", "s1", 14, 0, 15, 0)

	if got := check(t, svc, "s1", 15, 0, 16, 0, ""); !got.Available {
		t.Fatalf("touching slot should be free without buffers")
	}

	if err := svc.SetStaffBufferOverride(ctx, "s1", 0, 10); err != nil {
		t.Fatalf("SetStaffBufferOverride error: %v", err)
	}
	if got := check(t, svc, "s1", 15, 0, 16, 0, ""); got.Available {
		t.Fatalf("override not applied")
	}
	if got := check(t, svc, "s2", 15, 0, 16, 0, ""); !got.Available {
		t.Fatalf("override leaked to another staff member")
	}

	if err := svc.ClearStaffBufferOverride(ctx, "s1"); err != nil {
		t.Fatalf("ClearStaffBufferOverride error: %v", err)
	}
	if err := svc.SetBufferPolicy(ctx, BufferPolicyInput{BeforeMinutes: 20, AfterMinutes: 20, Enforced: false}); err != nil {
		t.Fatalf("SetBufferPolicy error: %v", err)
	}
	if got := check(t, svc, "s1", 15, 0, 16, 0, ""); !got.Available {
		t.Fatalf("buffers applied while enforcement is off")
	}

	if err := svc.SetBufferPolicy(ctx, BufferPolicyInput{BeforeMinutes: 20, AfterMinutes: 20, Enforced: true}); err != nil {
		t.Fatalf("SetBufferPolicy error: %v", err)
	}
	if got := check(t, svc, "s1", 15, 0, 16, 0, ""); got.Available {
		t.Fatalf("buffers ignored while enforcement is on")
	}

	err := svc.SetBufferPolicy(ctx, BufferPolicyInput{BeforeMinutes: -1, Enforced: true})
	var vErr *ValidationError
	if !errors.As(err, &vErr) || !errors.Is(err, buffer.ErrNegativeBuffer) {
		t.Fatalf("err = %v, want validation error wrapping %v", err, buffer.ErrNegativeBuffer)
	}
}

func TestService_StoreFailuresFailClosed(t *testing.T) {
	boom := errors.New("connection reset")
	policies, err := buffer.NewStore(buffer.Minutes{}, buffer.ModeAll)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	cal := &fakeCalendar{
		Index: memory.NewIndex(),
		overlappingFn: func(ctx context.Context, staffID string, window domain.Interval) ([]domain.Appointment, error) {
			return nil, boom
		},
	}
	cal.inStaffTxFn = func(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error {
		return fn(ctx, cal)
	}
	svc := NewService(cal, policies)

	_, err = svc.CheckAvailability(context.Background(), CheckInput{StaffID: "s1", Start: at(9, 0), End: at(10, 0)})
	if !errors.Is(err, store.ErrUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("CheckAvailability err = %v, want %v wrapping %v", err, store.ErrUnavailable, boom)
	}

	out, err := svc.Reserve(context.Background(), ReserveInput{ID: "a1", StaffID: "s1", Start: at(9, 0), End: at(10, 0), ParticipantIDs: []string{"c1"}})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Reserve err = %v, want %v", err, store.ErrUnavailable)
	}
	if out.Reserved {
		t.Fatalf("reserved despite store failure")
	}
	if cal.Len() != 0 {
		t.Fatalf("index mutated despite store failure")
	}
}

func TestService_LockTimeoutFailsClosed(t *testing.T) {
	policies, err := buffer.NewStore(buffer.Minutes{}, buffer.ModeAll)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}

	var once sync.Once
	entered := make(chan struct{})
	cal := &fakeCalendar{Index: memory.NewIndex()}
	cal.inStaffTxFn = func(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return ctx.Err()
	}
	svc := NewService(cal, policies, WithLockTimeout(50*time.Millisecond))

	in := ReserveInput{ID: "a1", StaffID: "s1", Start: at(9, 0), End: at(10, 0), ParticipantIDs: []string{"c1"}}

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.Reserve(context.Background(), in)
		errCh <- err
	}()
	<-entered

	in.ID = "a2"
	if _, err := svc.Reserve(context.Background(), in); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("waiting Reserve err = %v, want %v", err, store.ErrUnavailable)
	}
	if err := <-errCh; !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("stuck Reserve err = %v, want %v", err, store.ErrUnavailable)
	}
}

func TestService_ApplyEvent(t *testing.T) {
	svc, _ := newTestService(t, 0, 0, buffer.ModeAll)
	ctx := context.Background()

	err := svc.ApplyEvent(ctx, StatusEvent{
		Type:           EventCreated,
		ID:             "f1",
		StaffID:        "s1",
		LocationID:     "mobile",
		Start:          at(10, 0),
		End:            at(11, 0),
		ParticipantIDs: []string{"c1"},
	})
	if err != nil {
		t.Fatalf("ApplyEvent(created) error: %v", err)
	}
	if got := check(t, svc, "s1", 10, 30, 11, 30, ""); got.Available {
		t.Fatalf("feed appointment not indexed")
	}

	if err := svc.ApplyEvent(ctx, StatusEvent{Type: EventStatusChanged, ID: "f1", Status: domain.StatusCheckedIn}); err != nil {
		t.Fatalf("ApplyEvent(status_changed) error: %v", err)
	}
	if got := check(t, svc, "s1", 10, 30, 11, 30, ""); got.Available {
		t.Fatalf("checked-in appointment must still occupy")
	}

	if err := svc.ApplyEvent(ctx, StatusEvent{Type: EventCompleted, ID: "f1"}); err != nil {
		t.Fatalf("ApplyEvent(completed) error: %v", err)
	}
	if got := check(t, svc, "s1", 10, 30, 11, 30, ""); !got.Available {
		t.Fatalf("completed appointment still occupies")
	}

	if err := svc.ApplyEvent(ctx, StatusEvent{Type: EventCancelled, ID: "unknown"}); err != nil {
		t.Fatalf("ApplyEvent(cancelled unknown) error: %v", err)
	}

	var vErr *ValidationError
	if err := svc.ApplyEvent(ctx, StatusEvent{Type: "rebooked", ID: "f1"}); !errors.As(err, &vErr) {
		t.Fatalf("unknown type err = %v, want *ValidationError", err)
	}
	if err := svc.ApplyEvent(ctx, StatusEvent{Type: EventUpdated, ID: "f1", StaffID: "s1", Start: at(11, 0), End: at(10, 0)}); !errors.As(err, &vErr) {
		t.Fatalf("invalid interval err = %v, want *ValidationError", err)
	}
}

func TestService_FindFreeSlots(t *testing.T) {
	svc, _ := newTestService(t, 15, 15, buffer.ModeAll)
	ctx := context.Background()
	reserve(t, svc, "a1", "s1", 10, 0, 11, 0)

	slots, err := svc.FindFreeSlots(ctx, FreeSlotsInput{
		StaffID:     "s1",
		WindowStart: at(9, 0),
		WindowEnd:   at(12, 0),
		Duration:    30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("FindFreeSlots error: %v", err)
	}
	var starts []string
	for _, s := range slots {
		starts = append(starts, s.Start.Format("15:04"))
	}
	if fmt.Sprint(starts) != "[09:00 11:30]" {
		t.Fatalf("slots = %v, want [09:00 11:30]", starts)
	}

	_, err = svc.FindFreeSlots(ctx, FreeSlotsInput{StaffID: "s1", WindowStart: at(12, 0), WindowEnd: at(9, 0), Duration: time.Hour})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestService_FeedMoveWaitsForReschedule(t *testing.T) {
	policies, err := buffer.NewStore(buffer.Minutes{}, buffer.ModeAll)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	ctx := context.Background()
	cal := &fakeCalendar{Index: memory.NewIndex()}
	cal.inStaffTxFn = func(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error {
		return fn(ctx, cal)
	}
	svc := NewService(cal, policies)

	if out := reserve(t, svc, "A", "s1", 10, 0, 11, 0); !out.Reserved {
		t.Fatalf("A not reserved")
	}

	// The feed moves A to s2 while Reschedule is inside s1's critical section.
	var fired atomic.Bool
	feedDone := make(chan error, 1)
	cal.overlappingFn = func(ctx context.Context, staffID string, window domain.Interval) ([]domain.Appointment, error) {
		if fired.CompareAndSwap(false, true) {
			go func() {
				feedDone <- svc.ApplyEvent(context.Background(), StatusEvent{
					Type:           EventUpdated,
					ID:             "A",
					StaffID:        "s2",
					Start:          at(9, 0),
					End:            at(10, 0),
					ParticipantIDs: []string{"c1"},
				})
			}()
			time.Sleep(50 * time.Millisecond)
		}
		return cal.Index.Overlapping(ctx, staffID, window)
	}

	out, err := svc.Reschedule(ctx, RescheduleInput{ID: "A", Start: at(12, 0), End: at(13, 0)})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if !out.Reserved {
		t.Fatalf("Reschedule not applied: %s", conflictIDs(out.Conflicts))
	}
	if err := <-feedDone; err != nil {
		t.Fatalf("ApplyEvent error: %v", err)
	}

	got, err := cal.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.StaffID != "s2" || !got.StartTime.Equal(at(9, 0)) {
		t.Fatalf("stored A = staff %s [%s,%s), want the feed's s2 [09:00,10:00)", got.StaffID, got.StartTime.Format("15:04"), got.EndTime.Format("15:04"))
	}
	if left, _ := cal.ActiveIntervalsFor(ctx, "s1"); len(left) != 0 {
		t.Fatalf("s1 still holds %s", conflictIDs(left))
	}
}

type missingGetIndex struct {
	*memory.Index
}

func (missingGetIndex) Get(ctx context.Context, id string) (domain.Appointment, error) {
	return domain.Appointment{}, store.ErrNotFound
}

func TestService_ReserveIDTakenUnderAnotherStaffLock(t *testing.T) {
	policies, err := buffer.NewStore(buffer.Minutes{}, buffer.ModeAll)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	ctx := context.Background()
	cal := &fakeCalendar{Index: memory.NewIndex()}
	svc := NewService(cal, policies)

	if out := reserve(t, svc, "a1", "s2", 9, 0, 10, 0); !out.Reserved {
		t.Fatalf("a1 not reserved")
	}

	// The lookup under s1's lock misses the row committed under s2's lock.
	cal.inStaffTxFn = func(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error {
		return fn(ctx, missingGetIndex{cal.Index})
	}

	out, err := svc.Reserve(ctx, ReserveInput{ID: "a1", StaffID: "s1", Start: at(14, 0), End: at(15, 0), ParticipantIDs: []string{"c2"}})
	if !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("Reserve err = %v, want %v", err, store.ErrIdempotencyConflict)
	}
	if out.Reserved {
		t.Fatalf("reserved over an existing id")
	}

	got, err := cal.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.StaffID != "s2" || !got.StartTime.Equal(at(9, 0)) {
		t.Fatalf("a1 replaced: %+v", got)
	}
}

func TestService_OverlongIntervalRejectedEverywhere(t *testing.T) {
	svc, _ := newTestService(t, 0, 0, buffer.ModeAll)
	ctx := context.Background()
	start := at(8, 0)
	end := start.Add(25 * time.Hour)

	var vErr *ValidationError
	if _, err := svc.CheckAvailability(ctx, CheckInput{StaffID: "s1", Start: start, End: end}); !errors.As(err, &vErr) {
		t.Fatalf("CheckAvailability err = %v, want validation error", err)
	}
	if _, err := svc.Reserve(ctx, ReserveInput{ID: "a1", StaffID: "s1", Start: start, End: end, ParticipantIDs: []string{"c1"}}); !errors.As(err, &vErr) {
		t.Fatalf("Reserve err = %v, want validation error", err)
	}
	_, err := svc.FindFreeSlots(ctx, FreeSlotsInput{StaffID: "s1", WindowStart: start, WindowEnd: start.Add(48 * time.Hour), Duration: 25 * time.Hour})
	if !errors.As(err, &vErr) {
		t.Fatalf("FindFreeSlots err = %v, want validation error", err)
	}

	if got := check(t, svc, "s1", 8, 0, 9, 0, ""); !got.Available {
		t.Fatalf("ordinary interval reported unavailable")
	}
}

func TestStaffLocks_OppositeOrderDoesNotDeadlock(t *testing.T) {
	l := newStaffLocks()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := l.acquire(ctx, "s1", "s2")
			if err != nil {
				errs <- err
				return
			}
			release()
		}()
		go func() {
			defer wg.Done()
			release, err := l.acquire(ctx, "s2", "s1", "s2")
			if err != nil {
				errs <- err
				return
			}
			release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("acquire error: %v", err)
	}

	// Everything was released.
	release, err := l.acquire(ctx, "s1", "s2")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release()
}

func TestStaffLocks_TimeoutReleasesPartialHold(t *testing.T) {
	l := newStaffLocks()
	holdS2, err := l.acquire(context.Background(), "s2")
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.acquire(ctx, "s1", "s2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("acquire err = %v, want %v", err, context.DeadlineExceeded)
	}
	holdS2()

	// s1 was taken before s2 timed out and must have been given back.
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := l.acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("s1 still held: %v", err)
	}
	release()
}
