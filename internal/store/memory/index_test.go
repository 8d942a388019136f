package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"salonavail/backend/internal/domain"
	"salonavail/backend/internal/store"
)

var day = time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)

func appt(id, staffID string, startHour, startMinute int, d time.Duration) domain.Appointment {
	start := day.Add(time.Duration(startHour)*time.Hour + time.Duration(startMinute)*time.Minute)
	return domain.Appointment{
		ID:             id,
		StaffID:        staffID,
		LocationID:     "l1",
		StartTime:      start,
		EndTime:        start.Add(d),
		Status:         domain.StatusConfirmed,
		ParticipantIDs: []string{"c1"},
	}
}

func ids(appts []domain.Appointment) []string {
	out := make([]string, 0, len(appts))
	for _, a := range appts {
		out = append(out, a.ID)
	}
	return out
}

func TestIndex_ActiveIntervalsForOrdersByStart(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()

	for _, a := range []domain.Appointment{
		appt("c", "s1", 15, 0, time.Hour),
		appt("a", "s1", 9, 0, time.Hour),
		appt("b", "s1", 12, 0, time.Hour),
		appt("z", "s2", 9, 0, time.Hour),
	} {
		if err := x.Upsert(ctx, a); err != nil {
			t.Fatalf("Upsert error: %v", err)
		}
	}

	got, err := x.ActiveIntervalsFor(ctx, "s1")
	if err != nil {
		t.Fatalf("ActiveIntervalsFor error: %v", err)
	}
	if fmt.Sprint(ids(got)) != "[a b c]" {
		t.Fatalf("ids = %v, want [a b c]", ids(got))
	}
}

func TestIndex_InactiveStatusesAreNotIndexed(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()

	done := appt("done", "s1", 9, 0, time.Hour)
	done.Status = domain.StatusCompleted
	if err := x.Upsert(ctx, done); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := x.Upsert(ctx, appt("live", "s1", 11, 0, time.Hour)); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := x.MarkCancelled(ctx, "live"); err != nil {
		t.Fatalf("MarkCancelled error: %v", err)
	}

	got, err := x.ActiveIntervalsFor(ctx, "s1")
	if err != nil {
		t.Fatalf("ActiveIntervalsFor error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("active = %v, want none", ids(got))
	}

	stored, err := x.Get(ctx, "live")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if stored.Status != domain.StatusCancelled {
		t.Fatalf("status = %q, want %q", stored.Status, domain.StatusCancelled)
	}
}

func TestIndex_UpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()

	if err := x.Upsert(ctx, appt("a", "s1", 9, 0, time.Hour)); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	moved := appt("a", "s2", 13, 0, time.Hour)
	if err := x.Upsert(ctx, moved); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	s1, _ := x.ActiveIntervalsFor(ctx, "s1")
	s2, _ := x.ActiveIntervalsFor(ctx, "s2")
	if len(s1) != 0 || len(s2) != 1 {
		t.Fatalf("s1=%v s2=%v", ids(s1), ids(s2))
	}
	if !s2[0].StartTime.Equal(moved.StartTime) {
		t.Fatalf("start = %v, want %v", s2[0].StartTime, moved.StartTime)
	}
	if x.Len() != 1 {
		t.Fatalf("Len = %d, want 1", x.Len())
	}
}

func TestIndex_UpsertRejectsInvalidInterval(t *testing.T) {
	a := appt("a", "s1", 9, 0, 0)
	if err := NewIndex().Upsert(context.Background(), a); !errors.Is(err, domain.ErrInvalidInterval) {
		t.Fatalf("err = %v, want %v", err, domain.ErrInvalidInterval)
	}
}

func TestIndex_RemoveAndUnknownIDs(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()

	if err := x.Remove(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Remove err = %v, want %v", err, store.ErrNotFound)
	}
	if err := x.MarkCancelled(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("MarkCancelled err = %v, want %v", err, store.ErrNotFound)
	}

	if err := x.Upsert(ctx, appt("a", "s1", 9, 0, time.Hour)); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := x.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, err := x.Get(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get err = %v, want %v", err, store.ErrNotFound)
	}
}

func TestIndex_Overlapping(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()

	for _, a := range []domain.Appointment{
		appt("long", "s1", 6, 0, 4*time.Hour),
		appt("early", "s1", 8, 0, 30*time.Minute),
		appt("touch", "s1", 11, 0, time.Hour),
		appt("mid", "s1", 10, 30, 15*time.Minute),
		appt("late", "s1", 14, 0, time.Hour),
	} {
		if err := x.Upsert(ctx, a); err != nil {
			t.Fatalf("Upsert error: %v", err)
		}
	}

	window := domain.Interval{Start: day.Add(9*time.Hour + 30*time.Minute), End: day.Add(11 * time.Hour)}
	got, err := x.Overlapping(ctx, "s1", window)
	if err != nil {
		t.Fatalf("Overlapping error: %v", err)
	}
	if fmt.Sprint(ids(got)) != "[long mid]" {
		t.Fatalf("ids = %v, want [long mid]", ids(got))
	}

	none, err := x.Overlapping(ctx, "s2", window)
	if err != nil || len(none) != 0 {
		t.Fatalf("other staff = %v, %v", ids(none), err)
	}
}

func TestIndex_ReturnedSlicesDoNotAlias(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()
	if err := x.Upsert(ctx, appt("a", "s1", 9, 0, time.Hour)); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	got, _ := x.ActiveIntervalsFor(ctx, "s1")
	got[0].ParticipantIDs[0] = "mutated"

	again, _ := x.Get(ctx, "a")
	if again.ParticipantIDs[0] != "c1" {
		t.Fatalf("participant = %q, want c1", again.ParticipantIDs[0])
	}
}

func TestIndex_InsertRejectsTakenID(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()

	if err := x.Insert(ctx, appt("a1", "s2", 9, 0, time.Hour)); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if err := x.Insert(ctx, appt("a1", "s1", 14, 0, time.Hour)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Insert err = %v, want %v", err, store.ErrConflict)
	}

	got, err := x.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.StaffID != "s2" {
		t.Fatalf("a1 staff = %s, want s2", got.StaffID)
	}
	if rows, _ := x.ActiveIntervalsFor(ctx, "s1"); len(rows) != 0 {
		t.Fatalf("s1 rows = %v", ids(rows))
	}
}
