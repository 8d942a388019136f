package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"salonavail/backend/internal/domain"
	"salonavail/backend/internal/store"
)

// Index is an in-process appointment index. Each staff member's occupying
// appointments are kept sorted by start time so window lookups cost
// O(log n + k).
type Index struct {
	mu      sync.RWMutex
	byID    map[string]domain.Appointment
	byStaff map[string]*staffIntervals
}

type staffIntervals struct {
	items []domain.Appointment
	// maxDuration only grows. It bounds how far before a window an
	// overlapping appointment can start.
	maxDuration time.Duration
}

var _ store.Calendar = (*Index)(nil)

func NewIndex() *Index {
	return &Index{
		byID:    make(map[string]domain.Appointment),
		byStaff: make(map[string]*staffIntervals),
	}
}

// InStaffTransaction runs fn against the index. Callers serialize per staff
// member; every single operation is atomic on its own.
func (x *Index) InStaffTransaction(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, x)
}

func (x *Index) Get(ctx context.Context, id string) (domain.Appointment, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	a, ok := x.byID[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a.Clone(), nil
}

func (x *Index) ActiveIntervalsFor(ctx context.Context, staffID string) ([]domain.Appointment, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	si, ok := x.byStaff[staffID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Appointment, 0, len(si.items))
	for _, a := range si.items {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (x *Index) Overlapping(ctx context.Context, staffID string, window domain.Interval) ([]domain.Appointment, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	si, ok := x.byStaff[staffID]
	if !ok {
		return nil, nil
	}

	earliest := window.Start.Add(-si.maxDuration)
	lo := sort.Search(len(si.items), func(i int) bool {
		return si.items[i].StartTime.After(earliest)
	})
	hi := sort.Search(len(si.items), func(i int) bool {
		return !si.items[i].StartTime.Before(window.End)
	})

	var out []domain.Appointment
	for i := lo; i < hi; i++ {
		if si.items[i].Interval().Overlaps(window) {
			out = append(out, si.items[i].Clone())
		}
	}
	return out, nil
}

func (x *Index) Insert(ctx context.Context, appt domain.Appointment) error {
	if !appt.Interval().Valid() {
		return domain.ErrInvalidInterval
	}
	appt = appt.Clone()
	appt.StartTime = appt.StartTime.UTC()
	appt.EndTime = appt.EndTime.UTC()

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.byID[appt.ID]; ok {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	appt.CreatedAt = now
	appt.UpdatedAt = now
	x.byID[appt.ID] = appt
	if appt.Active() {
		x.linkLocked(appt)
	}
	return nil
}

func (x *Index) Upsert(ctx context.Context, appt domain.Appointment) error {
	if !appt.Interval().Valid() {
		return domain.ErrInvalidInterval
	}
	appt = appt.Clone()
	appt.StartTime = appt.StartTime.UTC()
	appt.EndTime = appt.EndTime.UTC()

	x.mu.Lock()
	defer x.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := x.byID[appt.ID]; ok {
		x.unlinkLocked(prev)
		if appt.CreatedAt.IsZero() {
			appt.CreatedAt = prev.CreatedAt
		}
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	appt.UpdatedAt = now

	x.byID[appt.ID] = appt
	if appt.Active() {
		x.linkLocked(appt)
	}
	return nil
}

func (x *Index) Remove(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	prev, ok := x.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	x.unlinkLocked(prev)
	delete(x.byID, id)
	return nil
}

func (x *Index) MarkCancelled(ctx context.Context, id string) error {
	return x.SetStatus(ctx, id, domain.StatusCancelled)
}

func (x *Index) SetStatus(ctx context.Context, id string, status domain.Status) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	prev, ok := x.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if prev.Status == status {
		return nil
	}
	x.unlinkLocked(prev)

	prev.Status = status
	prev.UpdatedAt = time.Now().UTC()
	x.byID[id] = prev
	if prev.Active() {
		x.linkLocked(prev)
	}
	return nil
}

// Len returns the number of appointments tracked, including inactive ones.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

func (x *Index) linkLocked(a domain.Appointment) {
	si, ok := x.byStaff[a.StaffID]
	if !ok {
		si = &staffIntervals{}
		x.byStaff[a.StaffID] = si
	}

	i := sort.Search(len(si.items), func(i int) bool {
		return less(a, si.items[i])
	})
	si.items = append(si.items, domain.Appointment{})
	copy(si.items[i+1:], si.items[i:])
	si.items[i] = a

	if d := a.EndTime.Sub(a.StartTime); d > si.maxDuration {
		si.maxDuration = d
	}
}

func (x *Index) unlinkLocked(a domain.Appointment) {
	si, ok := x.byStaff[a.StaffID]
	if !ok {
		return
	}
	for i := range si.items {
		if si.items[i].ID == a.ID {
			si.items = append(si.items[:i], si.items[i+1:]...)
			break
		}
	}
	if len(si.items) == 0 {
		delete(x.byStaff, a.StaffID)
	}
}

func less(a, b domain.Appointment) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ID < b.ID
}
