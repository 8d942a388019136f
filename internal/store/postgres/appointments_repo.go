package postgres

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"salonavail/backend/internal/domain"
	"salonavail/backend/internal/store"
)

var activeStatuses = []domain.Status{
	domain.StatusPending,
	domain.StatusConfirmed,
	domain.StatusCheckedIn,
}

// AppointmentRepo is the Postgres-backed appointment index. Mutations go
// through InStaffTransaction, which holds transaction-scoped advisory locks on
// the staff members so several service instances can share one database.
type AppointmentRepo struct {
	indexQueries
	db *bun.DB
}

var _ store.Calendar = (*AppointmentRepo)(nil)

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{indexQueries: indexQueries{db: db}, db: db}
}

type calendarTx struct {
	indexQueries
}

type indexQueries struct {
	db bun.IDB
}

func (r *AppointmentRepo) InStaffTransaction(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx store.AppointmentIndex) error) error {
	ids := slices.Clone(staffIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, staffID := range ids {
			if err := lockStaffCalendar(ctx, tx, staffID); err != nil {
				return err
			}
		}
		return fn(ctx, calendarTx{indexQueries{db: tx}})
	})
}

func lockStaffCalendar(ctx context.Context, tx bun.Tx, staffID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", staffID).Exec(ctx)
	return err
}

func (q indexQueries) Get(ctx context.Context, id string) (domain.Appointment, error) {
	var a domain.Appointment
	err := q.db.NewSelect().
		Model(&a).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	return normalize(a), nil
}

func (q indexQueries) ActiveIntervalsFor(ctx context.Context, staffID string) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := q.db.NewSelect().
		Model(&rows).
		Where("staff_id = ?", staffID).
		Where("status IN (?)", bun.In(activeStatuses)).
		OrderExpr("start_time ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return normalizeAll(rows), nil
}

func (q indexQueries) Overlapping(ctx context.Context, staffID string, window domain.Interval) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := q.db.NewSelect().
		Model(&rows).
		Where("staff_id = ?", staffID).
		Where("status IN (?)", bun.In(activeStatuses)).
		Where("start_time < ?", window.End).
		Where("end_time > ?", window.Start).
		OrderExpr("start_time ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return normalizeAll(rows), nil
}

// Insert adds a new row. A duplicate id is reported as store.ErrConflict.
func (q indexQueries) Insert(ctx context.Context, appt domain.Appointment) error {
	if _, err := domain.NewInterval(appt.StartTime, appt.EndTime); err != nil {
		return err
	}

	m := appt.Clone()
	m.StartTime = m.StartTime.UTC()
	m.EndTime = m.EndTime.UTC()
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.ParticipantIDs == nil {
		m.ParticipantIDs = []string{}
	}

	_, err := q.db.NewInsert().
		Model(&m).
		Exec(ctx)
	return mapWriteError(err)
}

// Upsert inserts appt or replaces every mutable column of the existing row.
// created_at is kept from the first insert.
func (q indexQueries) Upsert(ctx context.Context, appt domain.Appointment) error {
	if _, err := domain.NewInterval(appt.StartTime, appt.EndTime); err != nil {
		return err
	}

	m := appt.Clone()
	m.StartTime = m.StartTime.UTC()
	m.EndTime = m.EndTime.UTC()
	m.UpdatedAt = time.Now().UTC()
	if m.ParticipantIDs == nil {
		m.ParticipantIDs = []string{}
	}

	_, err := q.db.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO UPDATE").
		Set("staff_id = EXCLUDED.staff_id").
		Set("location_id = EXCLUDED.location_id").
		Set("start_time = EXCLUDED.start_time").
		Set("end_time = EXCLUDED.end_time").
		Set("status = EXCLUDED.status").
		Set("participant_ids = EXCLUDED.participant_ids").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return mapWriteError(err)
}

func (q indexQueries) Remove(ctx context.Context, id string) error {
	res, err := q.db.NewDelete().
		Model((*domain.Appointment)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (q indexQueries) MarkCancelled(ctx context.Context, id string) error {
	return q.SetStatus(ctx, id, domain.StatusCancelled)
}

func (q indexQueries) SetStatus(ctx context.Context, id string, status domain.Status) error {
	res, err := q.db.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return mapWriteError(err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514":
			if pgErr.ConstraintName == "staff_appointments_valid_interval" {
				return domain.ErrInvalidInterval
			}
		case "23505", "40001":
			return store.ErrConflict
		}
	}
	return err
}

func normalize(a domain.Appointment) domain.Appointment {
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	return a
}

func normalizeAll(rows []domain.Appointment) []domain.Appointment {
	for i := range rows {
		rows[i] = normalize(rows[i])
	}
	return rows
}
