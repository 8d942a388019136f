package availability

import (
	"context"
	"errors"
	"strings"

	"salonavail/backend/internal/buffer"
)

type BufferPolicyInput struct {
	BeforeMinutes int
	AfterMinutes  int
	Enforced      bool
	// Mode overrides Enforced when set.
	Mode buffer.Mode
}

func (s *Service) SetBufferPolicy(ctx context.Context, in BufferPolicyInput) error {
	mode := buffer.ModeOff
	if in.Enforced {
		mode = buffer.ModeAll
	}
	if in.Mode != "" {
		parsed, err := buffer.ParseMode(string(in.Mode))
		if err != nil {
			return wrapValidation(err)
		}
		mode = parsed
	}

	global := buffer.Minutes{Before: in.BeforeMinutes, After: in.AfterMinutes}
	return policyError(s.policies.SetPolicy(ctx, global, mode))
}

func (s *Service) SetStaffBufferOverride(ctx context.Context, staffID string, beforeMinutes, afterMinutes int) error {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return validationError("staff_id is required")
	}
	return policyError(s.policies.SetOverride(ctx, staffID, beforeMinutes, afterMinutes))
}

func (s *Service) ClearStaffBufferOverride(ctx context.Context, staffID string) error {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return validationError("staff_id is required")
	}
	return policyError(s.policies.ClearOverride(ctx, staffID))
}

func (s *Service) BufferPolicy() buffer.Settings {
	return s.policies.Settings()
}

func (s *Service) StaffBufferPolicy(staffID string) buffer.Policy {
	return s.policies.PolicyFor(strings.TrimSpace(staffID))
}

func policyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, buffer.ErrNegativeBuffer) {
		return wrapValidation(err)
	}
	return failClosed(err)
}
