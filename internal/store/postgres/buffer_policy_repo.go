package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"salonavail/backend/internal/buffer"
)

const globalPolicyID = 1

type bufferPolicyRow struct {
	bun.BaseModel `bun:"table:buffer_policies"`

	ID            int       `bun:"id,pk"`
	BeforeMinutes int       `bun:"before_minutes,notnull"`
	AfterMinutes  int       `bun:"after_minutes,notnull"`
	Mode          string    `bun:"mode,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

type staffBufferOverrideRow struct {
	bun.BaseModel `bun:"table:staff_buffer_overrides"`

	StaffID       string    `bun:"staff_id,pk"`
	BeforeMinutes int       `bun:"before_minutes,notnull"`
	AfterMinutes  int       `bun:"after_minutes,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

// BufferPolicyRepo persists buffer settings so they survive restarts and are
// shared between instances.
type BufferPolicyRepo struct {
	db bun.IDB
}

var _ buffer.Persister = (*BufferPolicyRepo)(nil)

func NewBufferPolicyRepo(db bun.IDB) *BufferPolicyRepo {
	return &BufferPolicyRepo{db: db}
}

func (r *BufferPolicyRepo) LoadSettings(ctx context.Context) (buffer.Settings, bool, error) {
	var global bufferPolicyRow
	err := r.db.NewSelect().
		Model(&global).
		Where("id = ?", globalPolicyID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return buffer.Settings{}, false, nil
	}
	if err != nil {
		return buffer.Settings{}, false, err
	}

	mode, err := buffer.ParseMode(global.Mode)
	if err != nil {
		return buffer.Settings{}, false, err
	}

	var rows []staffBufferOverrideRow
	if err := r.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return buffer.Settings{}, false, err
	}

	out := buffer.Settings{
		Global:    buffer.Minutes{Before: global.BeforeMinutes, After: global.AfterMinutes},
		Mode:      mode,
		Overrides: make(map[string]buffer.Minutes, len(rows)),
	}
	for _, row := range rows {
		out.Overrides[row.StaffID] = buffer.Minutes{Before: row.BeforeMinutes, After: row.AfterMinutes}
	}
	return out, true, nil
}

func (r *BufferPolicyRepo) SaveGlobal(ctx context.Context, global buffer.Minutes, mode buffer.Mode) error {
	row := bufferPolicyRow{
		ID:            globalPolicyID,
		BeforeMinutes: global.Before,
		AfterMinutes:  global.After,
		Mode:          string(mode),
		UpdatedAt:     time.Now().UTC(),
	}
	_, err := r.db.NewInsert().
		Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("before_minutes = EXCLUDED.before_minutes").
		Set("after_minutes = EXCLUDED.after_minutes").
		Set("mode = EXCLUDED.mode").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (r *BufferPolicyRepo) SaveOverride(ctx context.Context, staffID string, m buffer.Minutes) error {
	row := staffBufferOverrideRow{
		StaffID:       staffID,
		BeforeMinutes: m.Before,
		AfterMinutes:  m.After,
		UpdatedAt:     time.Now().UTC(),
	}
	_, err := r.db.NewInsert().
		Model(&row).
		On("CONFLICT (staff_id) DO UPDATE").
		Set("before_minutes = EXCLUDED.before_minutes").
		Set("after_minutes = EXCLUDED.after_minutes").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// DeleteOverride is a no-op for staff without an override.
func (r *BufferPolicyRepo) DeleteOverride(ctx context.Context, staffID string) error {
	_, err := r.db.NewDelete().
		Model((*staffBufferOverrideRow)(nil)).
		Where("staff_id = ?", staffID).
		Exec(ctx)
	return err
}
