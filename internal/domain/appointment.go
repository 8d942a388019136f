package domain

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// Appointment is one staff-time interval. Group bookings carry several
// participants but still occupy a single interval.
type Appointment struct {
	bun.BaseModel `bun:"table:staff_appointments"`

	ID             string    `bun:"id,pk"`
	StaffID        string    `bun:"staff_id,notnull"`
	LocationID     string    `bun:"location_id,notnull"`
	StartTime      time.Time `bun:"start_time,notnull"`
	EndTime        time.Time `bun:"end_time,notnull"`
	Status         Status    `bun:"status,notnull"`
	ParticipantIDs []string  `bun:"participant_ids,array,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

func (a Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

func (a Appointment) Active() bool {
	return a.Status.Occupies()
}

// Clone copies the participant slice so index snapshots never alias caller data.
func (a Appointment) Clone() Appointment {
	if a.ParticipantIDs != nil {
		a.ParticipantIDs = append([]string(nil), a.ParticipantIDs...)
	}
	return a
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}
