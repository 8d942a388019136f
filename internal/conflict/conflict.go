// Package conflict decides which booked appointments block a candidate
// interval for one staff member.
package conflict

import (
	"time"

	"salonavail/backend/internal/buffer"
	"salonavail/backend/internal/domain"
)

type PolicyResolver interface {
	PolicyFor(staffID string) buffer.Policy
}

// Candidate is the interval a caller wants to book for StaffID.
type Candidate struct {
	StaffID  string
	Interval domain.Interval
}

type Options struct {
	// ExcludeID is skipped, so an appointment never conflicts with itself
	// while being edited.
	ExcludeID string
	Kind      buffer.Kind
}

// FindConflicts returns every appointment in existing that blocks the
// candidate, in the order given.
//
// Each boundary uses the larger of the two cooldowns that meet there: the gap
// after an existing appointment is max(existing.After, candidate.Before) and
// the gap before it is max(existing.Before, candidate.After).
func FindConflicts(c Candidate, existing []domain.Appointment, policies PolicyResolver, opts Options) []domain.Appointment {
	cBefore, cAfter := padding(policies.PolicyFor(c.StaffID), opts.Kind)

	var out []domain.Appointment
	for _, e := range existing {
		if opts.ExcludeID != "" && e.ID == opts.ExcludeID {
			continue
		}
		if !e.Active() {
			continue
		}

		eBefore, eAfter := padding(policies.PolicyFor(e.StaffID), opts.Kind)
		blocked := e.Interval().Pad(max(eBefore, cAfter), max(eAfter, cBefore))
		if c.Interval.Overlaps(blocked) {
			out = append(out, e)
		}
	}
	return out
}

// SearchWindow widens the candidate far enough that every appointment of the
// same staff member that could conflict with it overlaps the result.
func SearchWindow(c Candidate, policies PolicyResolver, kind buffer.Kind) domain.Interval {
	before, after := padding(policies.PolicyFor(c.StaffID), kind)
	m := max(before, after)
	return c.Interval.Pad(m, m)
}

func padding(p buffer.Policy, kind buffer.Kind) (before, after time.Duration) {
	if !p.AppliesTo(kind) {
		return 0, 0
	}
	return p.Before, p.After
}
