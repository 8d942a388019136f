package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"salonavail/backend/internal/buffer"
	"salonavail/backend/internal/domain"
	"salonavail/backend/internal/service/availability"
	"salonavail/backend/internal/store"
)

type AvailabilityServer struct {
	svc availabilityService
	log *slog.Logger
}

var _ AvailabilityServiceServer = (*AvailabilityServer)(nil)

type availabilityService interface {
	CheckAvailability(ctx context.Context, in availability.CheckInput) (availability.Availability, error)
	Reserve(ctx context.Context, in availability.ReserveInput) (availability.Outcome, error)
	Reschedule(ctx context.Context, in availability.RescheduleInput) (availability.Outcome, error)
	Release(ctx context.Context, id string) (availability.ReleaseResult, error)
	FindFreeSlots(ctx context.Context, in availability.FreeSlotsInput) ([]domain.Interval, error)
	ListStaffIntervals(ctx context.Context, staffID string) ([]domain.Appointment, error)
	BufferPolicy() buffer.Settings
	StaffBufferPolicy(staffID string) buffer.Policy
	SetBufferPolicy(ctx context.Context, in availability.BufferPolicyInput) error
	SetStaffBufferOverride(ctx context.Context, staffID string, beforeMinutes, afterMinutes int) error
	ClearStaffBufferOverride(ctx context.Context, staffID string) error
}

func NewAvailabilityServer(svc availabilityService, log *slog.Logger) *AvailabilityServer {
	if log == nil {
		log = slog.Default()
	}
	return &AvailabilityServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.availability")),
	}
}

func (s *AvailabilityServer) CheckAvailability(ctx context.Context, req *CheckAvailabilityRequest) (*CheckAvailabilityResponse, error) {
	log := s.log.With(slog.String("rpc", "CheckAvailability"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.StartTime == nil || req.EndTime == nil {
		log.Warn("invalid request", slog.String("reason", "missing_times"), slog.String("staff_id", req.StaffID))
		return nil, status.Error(codes.InvalidArgument, "start_time and end_time are required")
	}

	got, err := s.svc.CheckAvailability(ctx, availability.CheckInput{
		StaffID:    req.StaffID,
		LocationID: req.LocationID,
		Start:      *req.StartTime,
		End:        *req.EndTime,
		ExcludeID:  req.ExcludeAppointmentID,
	})
	if err != nil {
		return nil, s.statusError(log, "availability check failed", err, slog.String("staff_id", req.StaffID))
	}

	log.Debug(
		"availability checked",
		slog.String("staff_id", req.StaffID),
		slog.Bool("available", got.Available),
		slog.Int("conflicts", len(got.Conflicts)),
	)

	return &CheckAvailabilityResponse{
		Available: got.Available,
		Conflicts: toAPIAppointments(got.Conflicts),
	}, nil
}

func (s *AvailabilityServer) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	log := s.log.With(slog.String("rpc", "Reserve"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.StartTime == nil || req.EndTime == nil {
		log.Warn("invalid request", slog.String("reason", "missing_times"), slog.String("staff_id", req.StaffID))
		return nil, status.Error(codes.InvalidArgument, "start_time and end_time are required")
	}

	var st domain.Status
	if strings.TrimSpace(req.Status) != "" {
		parsed, err := domain.ParseStatus(req.Status)
		if err != nil {
			log.Warn("invalid request", slog.String("reason", "invalid_status"), slog.String("staff_id", req.StaffID))
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		st = parsed
	}

	id := strings.TrimSpace(req.AppointmentID)
	if id == "" {
		id = idempotencyKey(ctx)
	}

	out, err := s.svc.Reserve(ctx, availability.ReserveInput{
		ID:             id,
		StaffID:        req.StaffID,
		LocationID:     req.LocationID,
		Start:          *req.StartTime,
		End:            *req.EndTime,
		Status:         st,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		return nil, s.statusError(log, "reserve failed", err, slog.String("staff_id", req.StaffID))
	}

	if !out.Reserved {
		log.Info(
			"reserve conflict",
			slog.String("staff_id", req.StaffID),
			slog.Time("start_time", *req.StartTime),
			slog.Time("end_time", *req.EndTime),
			slog.Int("conflicts", len(out.Conflicts)),
		)
		return &ReserveResponse{Conflicts: toAPIAppointments(out.Conflicts)}, nil
	}

	log.Info(
		"appointment reserved",
		slog.String("appointment_id", out.Appointment.ID),
		slog.String("staff_id", out.Appointment.StaffID),
		slog.Time("start_time", out.Appointment.StartTime),
		slog.Time("end_time", out.Appointment.EndTime),
	)

	return &ReserveResponse{Reserved: true, Appointment: toAPIAppointment(out.Appointment)}, nil
}

func (s *AvailabilityServer) Reschedule(ctx context.Context, req *RescheduleRequest) (*RescheduleResponse, error) {
	log := s.log.With(slog.String("rpc", "Reschedule"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.StartTime == nil || req.EndTime == nil {
		log.Warn("invalid request", slog.String("reason", "missing_times"), slog.String("appointment_id", req.AppointmentID))
		return nil, status.Error(codes.InvalidArgument, "start_time and end_time are required")
	}

	out, err := s.svc.Reschedule(ctx, availability.RescheduleInput{
		ID:         req.AppointmentID,
		Start:      *req.StartTime,
		End:        *req.EndTime,
		LocationID: req.LocationID,
	})
	if err != nil {
		return nil, s.statusError(log, "reschedule failed", err, slog.String("appointment_id", req.AppointmentID))
	}

	if !out.Reserved {
		log.Info("reschedule conflict", slog.String("appointment_id", req.AppointmentID), slog.Int("conflicts", len(out.Conflicts)))
		return &RescheduleResponse{
			Appointment: toAPIAppointment(out.Appointment),
			Conflicts:   toAPIAppointments(out.Conflicts),
		}, nil
	}

	log.Info(
		"appointment rescheduled",
		slog.String("appointment_id", out.Appointment.ID),
		slog.String("staff_id", out.Appointment.StaffID),
		slog.Time("start_time", out.Appointment.StartTime),
		slog.Time("end_time", out.Appointment.EndTime),
	)

	return &RescheduleResponse{Rescheduled: true, Appointment: toAPIAppointment(out.Appointment)}, nil
}

func (s *AvailabilityServer) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	log := s.log.With(slog.String("rpc", "Release"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	res, err := s.svc.Release(ctx, req.AppointmentID)
	if err != nil {
		return nil, s.statusError(log, "release failed", err, slog.String("appointment_id", req.AppointmentID))
	}

	log.Info("appointment released", slog.String("appointment_id", req.AppointmentID), slog.Bool("released", res.Released))
	return &ReleaseResponse{Released: res.Released}, nil
}

func (s *AvailabilityServer) FindFreeSlots(ctx context.Context, req *FindFreeSlotsRequest) (*FindFreeSlotsResponse, error) {
	log := s.log.With(slog.String("rpc", "FindFreeSlots"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.WindowStart == nil || req.WindowEnd == nil {
		log.Warn("invalid request", slog.String("reason", "missing_window"), slog.String("staff_id", req.StaffID))
		return nil, status.Error(codes.InvalidArgument, "window_start and window_end are required")
	}

	slots, err := s.svc.FindFreeSlots(ctx, availability.FreeSlotsInput{
		StaffID:     req.StaffID,
		WindowStart: *req.WindowStart,
		WindowEnd:   *req.WindowEnd,
		Duration:    time.Duration(req.DurationMinutes) * time.Minute,
		Step:        time.Duration(req.StepMinutes) * time.Minute,
	})
	if err != nil {
		return nil, s.statusError(log, "free slot search failed", err, slog.String("staff_id", req.StaffID))
	}

	out := make([]*Slot, 0, len(slots))
	for _, iv := range slots {
		out = append(out, &Slot{StartTime: iv.Start, EndTime: iv.End})
	}

	log.Debug("free slots listed", slog.String("staff_id", req.StaffID), slog.Int("count", len(out)))
	return &FindFreeSlotsResponse{Slots: out}, nil
}

func (s *AvailabilityServer) ListStaffIntervals(ctx context.Context, req *ListStaffIntervalsRequest) (*ListStaffIntervalsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListStaffIntervals"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	appts, err := s.svc.ListStaffIntervals(ctx, req.StaffID)
	if err != nil {
		return nil, s.statusError(log, "staff intervals list failed", err, slog.String("staff_id", req.StaffID))
	}

	log.Debug("staff intervals listed", slog.String("staff_id", req.StaffID), slog.Int("count", len(appts)))
	return &ListStaffIntervalsResponse{Appointments: toAPIAppointments(appts)}, nil
}

func (s *AvailabilityServer) GetBufferPolicy(ctx context.Context, req *GetBufferPolicyRequest) (*GetBufferPolicyResponse, error) {
	resp := &GetBufferPolicyResponse{Policy: toAPIBufferPolicy(s.svc.BufferPolicy())}
	if req != nil && strings.TrimSpace(req.StaffID) != "" {
		resp.Staff = toAPIStaffPolicy(req.StaffID, s.svc.StaffBufferPolicy(req.StaffID))
	}
	return resp, nil
}

func (s *AvailabilityServer) SetBufferPolicy(ctx context.Context, req *SetBufferPolicyRequest) (*SetBufferPolicyResponse, error) {
	log := s.log.With(slog.String("rpc", "SetBufferPolicy"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	err := s.svc.SetBufferPolicy(ctx, availability.BufferPolicyInput{
		BeforeMinutes: int(req.BeforeMinutes),
		AfterMinutes:  int(req.AfterMinutes),
		Enforced:      req.Enforced,
		Mode:          buffer.Mode(req.Mode),
	})
	if err != nil {
		return nil, s.statusError(log, "buffer policy update failed", err)
	}

	settings := s.svc.BufferPolicy()
	log.Info(
		"buffer policy updated",
		slog.Int("before_minutes", settings.Global.Before),
		slog.Int("after_minutes", settings.Global.After),
		slog.String("mode", string(settings.Mode)),
	)
	return &SetBufferPolicyResponse{Policy: toAPIBufferPolicy(settings)}, nil
}

func (s *AvailabilityServer) SetStaffBufferOverride(ctx context.Context, req *SetStaffBufferOverrideRequest) (*SetStaffBufferOverrideResponse, error) {
	log := s.log.With(slog.String("rpc", "SetStaffBufferOverride"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	if err := s.svc.SetStaffBufferOverride(ctx, req.StaffID, int(req.BeforeMinutes), int(req.AfterMinutes)); err != nil {
		return nil, s.statusError(log, "buffer override update failed", err, slog.String("staff_id", req.StaffID))
	}

	log.Info("buffer override set", slog.String("staff_id", req.StaffID))
	return &SetStaffBufferOverrideResponse{Staff: toAPIStaffPolicy(req.StaffID, s.svc.StaffBufferPolicy(req.StaffID))}, nil
}

func (s *AvailabilityServer) ClearStaffBufferOverride(ctx context.Context, req *ClearStaffBufferOverrideRequest) (*ClearStaffBufferOverrideResponse, error) {
	log := s.log.With(slog.String("rpc", "ClearStaffBufferOverride"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	if err := s.svc.ClearStaffBufferOverride(ctx, req.StaffID); err != nil {
		return nil, s.statusError(log, "buffer override clear failed", err, slog.String("staff_id", req.StaffID))
	}

	log.Info("buffer override cleared", slog.String("staff_id", req.StaffID))
	return &ClearStaffBufferOverrideResponse{Staff: toAPIStaffPolicy(req.StaffID, s.svc.StaffBufferPolicy(req.StaffID))}, nil
}

// statusError logs err at a level matching its kind and converts it to a gRPC
// status. Store failures surface as Unavailable, never as a free slot.
func (s *AvailabilityServer) statusError(log *slog.Logger, msg string, err error, attrs ...any) error {
	args := append([]any{slog.Any("err", err)}, attrs...)

	var vErr *availability.ValidationError
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", args...)
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, store.ErrNotFound):
		log.Info("appointment not found", args...)
		return status.Error(codes.NotFound, "appointment not found")
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info("idempotency conflict", args...)
		return status.Error(codes.FailedPrecondition, "This appointment id was already used for a different booking. Try again.")
	case errors.Is(err, store.ErrUnavailable):
		log.Error(msg, args...)
		return status.Error(codes.Unavailable, "availability could not be determined, try again")
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn(msg, args...)
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	default:
		log.Error(msg, args...)
		return status.Error(codes.Internal, "internal error")
	}
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func toAPIAppointment(a domain.Appointment) *Appointment {
	if a.ID == "" {
		return nil
	}
	return &Appointment{
		ID:             a.ID,
		StaffID:        a.StaffID,
		LocationID:     a.LocationID,
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Status:         string(a.Status),
		ParticipantIDs: a.ParticipantIDs,
	}
}

func toAPIAppointments(appts []domain.Appointment) []*Appointment {
	out := make([]*Appointment, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAPIAppointment(a))
	}
	return out
}

func toAPIBufferPolicy(s buffer.Settings) *BufferPolicy {
	out := &BufferPolicy{
		BeforeMinutes: int32(s.Global.Before),
		AfterMinutes:  int32(s.Global.After),
		Mode:          string(s.Mode),
		Enforced:      s.Mode != buffer.ModeOff,
	}
	if len(s.Overrides) > 0 {
		out.Overrides = make(map[string]BufferMinutes, len(s.Overrides))
		for staffID, m := range s.Overrides {
			out.Overrides[staffID] = BufferMinutes{BeforeMinutes: int32(m.Before), AfterMinutes: int32(m.After)}
		}
	}
	return out
}

func toAPIStaffPolicy(staffID string, p buffer.Policy) *StaffBufferPolicy {
	return &StaffBufferPolicy{
		StaffID:       strings.TrimSpace(staffID),
		BeforeMinutes: int32(p.Before / time.Minute),
		AfterMinutes:  int32(p.After / time.Minute),
		Mode:          string(p.Mode),
		Override:      p.Override,
	}
}
