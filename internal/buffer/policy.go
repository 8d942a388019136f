package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrNegativeBuffer = errors.New("buffer minutes must not be negative")

// Mode controls when buffers are enforced.
type Mode string

const (
	ModeOff Mode = "off"
	ModeAll Mode = "all"
	// ModeNewBookingsOnly enforces buffers for new reservations but not when an
	// existing appointment is moved.
	ModeNewBookingsOnly Mode = "new_bookings_only"
)

// ParseMode accepts the canonical names in any case, with "-" for "_".
func ParseMode(raw string) (Mode, error) {
	s := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	switch m := Mode(s); m {
	case ModeOff, ModeAll, ModeNewBookingsOnly:
		return m, nil
	case "":
		return ModeAll, nil
	default:
		return "", fmt.Errorf("unknown buffer mode %q", raw)
	}
}

// Kind distinguishes a brand-new booking from an edit of an existing one.
type Kind int

const (
	KindNew Kind = iota
	KindEdit
)

type Minutes struct {
	Before int
	After  int
}

func (m Minutes) validate() error {
	if m.Before < 0 || m.After < 0 {
		return ErrNegativeBuffer
	}
	return nil
}

// Policy is the resolved buffer configuration for one staff member.
type Policy struct {
	Before   time.Duration
	After    time.Duration
	Mode     Mode
	Override bool
}

func (p Policy) Enforced() bool {
	return p.Mode != ModeOff
}

// AppliesTo reports whether padding is used for a booking of the given kind.
func (p Policy) AppliesTo(kind Kind) bool {
	switch p.Mode {
	case ModeAll:
		return true
	case ModeNewBookingsOnly:
		return kind == KindNew
	default:
		return false
	}
}

// Settings is a full copy of the store's configuration.
type Settings struct {
	Global    Minutes
	Mode      Mode
	Overrides map[string]Minutes
}

type Persister interface {
	LoadSettings(ctx context.Context) (Settings, bool, error)
	SaveGlobal(ctx context.Context, global Minutes, mode Mode) error
	SaveOverride(ctx context.Context, staffID string, m Minutes) error
	DeleteOverride(ctx context.Context, staffID string) error
}

// Store holds global and per-staff buffer settings. Reads never block; writers
// publish a fresh immutable snapshot.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Settings]
	persist Persister
}

type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persist = p
	}
}

func NewStore(global Minutes, mode Mode, opts ...Option) (*Store, error) {
	if err := global.validate(); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeAll
	}
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&Settings{Global: global, Mode: mode, Overrides: map[string]Minutes{}})
	return s, nil
}

// Load replaces the in-memory settings with the persisted ones, if any exist.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, ok, err := s.persist.LoadSettings(ctx)
	if err != nil {
		return err
	}
	if !ok {
		cur := s.current.Load()
		return s.persist.SaveGlobal(ctx, cur.Global, cur.Mode)
	}
	if loaded.Overrides == nil {
		loaded.Overrides = map[string]Minutes{}
	}
	if loaded.Mode == "" {
		loaded.Mode = ModeAll
	}
	s.current.Store(&loaded)
	return nil
}

// PolicyFor resolves the override for staffID, falling back to the global
// defaults for unknown staff.
func (s *Store) PolicyFor(staffID string) Policy {
	cur := s.current.Load()
	m, ok := cur.Overrides[staffID]
	if !ok {
		m = cur.Global
	}
	return Policy{
		Before:   time.Duration(m.Before) * time.Minute,
		After:    time.Duration(m.After) * time.Minute,
		Mode:     cur.Mode,
		Override: ok,
	}
}

func (s *Store) Settings() Settings {
	cur := s.current.Load()
	out := Settings{Global: cur.Global, Mode: cur.Mode, Overrides: make(map[string]Minutes, len(cur.Overrides))}
	for k, v := range cur.Overrides {
		out.Overrides[k] = v
	}
	return out
}

func (s *Store) SetGlobal(ctx context.Context, before, after int) error {
	m := Minutes{Before: before, After: after}
	if err := m.validate(); err != nil {
		return err
	}
	return s.update(ctx, func(next *Settings) error {
		next.Global = m
		if s.persist != nil {
			return s.persist.SaveGlobal(ctx, m, next.Mode)
		}
		return nil
	})
}

func (s *Store) SetMode(ctx context.Context, mode Mode) error {
	m, err := ParseMode(string(mode))
	if err != nil || mode == "" {
		return fmt.Errorf("unknown buffer mode %q", mode)
	}
	return s.update(ctx, func(next *Settings) error {
		next.Mode = m
		if s.persist != nil {
			return s.persist.SaveGlobal(ctx, next.Global, m)
		}
		return nil
	})
}

// SetPolicy replaces the global minutes and the mode together; either both
// are published or neither is.
func (s *Store) SetPolicy(ctx context.Context, global Minutes, mode Mode) error {
	if err := global.validate(); err != nil {
		return err
	}
	m, err := ParseMode(string(mode))
	if err != nil || mode == "" {
		return fmt.Errorf("unknown buffer mode %q", mode)
	}
	return s.update(ctx, func(next *Settings) error {
		next.Global = global
		next.Mode = m
		if s.persist != nil {
			return s.persist.SaveGlobal(ctx, global, m)
		}
		return nil
	})
}

// SetEnforcement switches buffers off, or back on. Turning enforcement on keeps
// a new-bookings-only mode when one is already configured.
func (s *Store) SetEnforcement(ctx context.Context, enabled bool) error {
	return s.update(ctx, func(next *Settings) error {
		mode := ModeOff
		if enabled {
			mode = ModeAll
			if next.Mode == ModeNewBookingsOnly {
				mode = ModeNewBookingsOnly
			}
		}
		if mode == next.Mode {
			return nil
		}
		next.Mode = mode
		if s.persist != nil {
			return s.persist.SaveGlobal(ctx, next.Global, mode)
		}
		return nil
	})
}

func (s *Store) SetOverride(ctx context.Context, staffID string, before, after int) error {
	if strings.TrimSpace(staffID) == "" {
		return errors.New("staff_id is required")
	}
	m := Minutes{Before: before, After: after}
	if err := m.validate(); err != nil {
		return err
	}
	return s.update(ctx, func(next *Settings) error {
		next.Overrides[staffID] = m
		if s.persist != nil {
			return s.persist.SaveOverride(ctx, staffID, m)
		}
		return nil
	})
}

func (s *Store) ClearOverride(ctx context.Context, staffID string) error {
	return s.update(ctx, func(next *Settings) error {
		delete(next.Overrides, staffID)
		if s.persist != nil {
			return s.persist.DeleteOverride(ctx, staffID)
		}
		return nil
	})
}

func (s *Store) update(ctx context.Context, fn func(next *Settings) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.Settings()
	if err := fn(&next); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}
