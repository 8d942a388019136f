package availability

import (
	"context"
	"slices"
	"sync"
)

// staffLocks hands out one mutex per staff member. Locks are created lazily
// and never freed; staff counts are small and bounded.
type staffLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newStaffLocks() *staffLocks {
	return &staffLocks{locks: make(map[string]chan struct{})}
}

func (l *staffLocks) get(staffID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[staffID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[staffID] = ch
	}
	return ch
}

// acquire blocks until the locks of every staff member in staffIDs are held
// or ctx is done. Locks are taken in sorted order so two callers locking the
// same pair cannot deadlock.
func (l *staffLocks) acquire(ctx context.Context, staffIDs ...string) (release func(), err error) {
	ids := slices.Clone(staffIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	held := make([]chan struct{}, 0, len(ids))
	release = func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, id := range ids {
		ch := l.get(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
