package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"salonavail/backend/internal/buffer"
	"salonavail/backend/internal/domain"
	"salonavail/backend/internal/service/availability"
	"salonavail/backend/internal/store"
)

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

// Handler serves the JSON API. Conflicts are answered with the blocking
// appointments, never with a bare error.
type Handler struct {
	svc availabilityService
	log *slog.Logger
}

func NewHandler(svc availabilityService, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log.With(slog.String("component", "http"))}
}

type appointmentResponse struct {
	ID             string    `json:"id"`
	StaffID        string    `json:"staff_id"`
	LocationID     string    `json:"location_id,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Status         string    `json:"status"`
	ParticipantIDs []string  `json:"participant_ids,omitempty"`
}

type checkRequest struct {
	StaffID              string    `json:"staff_id" binding:"required"`
	LocationID           string    `json:"location_id"`
	StartTime            time.Time `json:"start_time" binding:"required"`
	EndTime              time.Time `json:"end_time" binding:"required"`
	ExcludeAppointmentID string    `json:"exclude_appointment_id"`
}

func (h *Handler) CheckAvailability(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	got, err := h.svc.CheckAvailability(c.Request.Context(), availability.CheckInput{
		StaffID:    req.StaffID,
		LocationID: req.LocationID,
		Start:      req.StartTime,
		End:        req.EndTime,
		ExcludeID:  req.ExcludeAppointmentID,
	})
	if err != nil {
		h.writeError(c, "availability check failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"available": got.Available,
		"conflicts": toResponses(got.Conflicts),
	})
}

type reserveRequest struct {
	AppointmentID  string    `json:"appointment_id"`
	StaffID        string    `json:"staff_id" binding:"required"`
	LocationID     string    `json:"location_id"`
	StartTime      time.Time `json:"start_time" binding:"required"`
	EndTime        time.Time `json:"end_time" binding:"required"`
	Status         string    `json:"status"`
	ParticipantIDs []string  `json:"participant_ids" binding:"required,min=1"`
}

func (h *Handler) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var st domain.Status
	if strings.TrimSpace(req.Status) != "" {
		parsed, err := domain.ParseStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		st = parsed
	}

	id := strings.TrimSpace(req.AppointmentID)
	if id == "" {
		id = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	out, err := h.svc.Reserve(c.Request.Context(), availability.ReserveInput{
		ID:             id,
		StaffID:        req.StaffID,
		LocationID:     req.LocationID,
		Start:          req.StartTime,
		End:            req.EndTime,
		Status:         st,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		h.writeError(c, "reserve failed", err)
		return
	}
	if !out.Reserved {
		c.JSON(http.StatusConflict, gin.H{
			"reserved":  false,
			"conflicts": toResponses(out.Conflicts),
		})
		return
	}

	h.log.Info("appointment reserved", slog.String("appointment_id", out.Appointment.ID), slog.String("staff_id", out.Appointment.StaffID))
	c.JSON(http.StatusCreated, gin.H{
		"reserved":    true,
		"appointment": toResponse(out.Appointment),
	})
}

type rescheduleRequest struct {
	StartTime  time.Time `json:"start_time" binding:"required"`
	EndTime    time.Time `json:"end_time" binding:"required"`
	LocationID string    `json:"location_id"`
}

func (h *Handler) Reschedule(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.svc.Reschedule(c.Request.Context(), availability.RescheduleInput{
		ID:         c.Param("id"),
		Start:      req.StartTime,
		End:        req.EndTime,
		LocationID: req.LocationID,
	})
	if err != nil {
		h.writeError(c, "reschedule failed", err)
		return
	}
	if !out.Reserved {
		c.JSON(http.StatusConflict, gin.H{
			"rescheduled": false,
			"appointment": toResponse(out.Appointment),
			"conflicts":   toResponses(out.Conflicts),
		})
		return
	}

	h.log.Info("appointment rescheduled", slog.String("appointment_id", out.Appointment.ID))
	c.JSON(http.StatusOK, gin.H{
		"rescheduled": true,
		"appointment": toResponse(out.Appointment),
	})
}

func (h *Handler) Release(c *gin.Context) {
	res, err := h.svc.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "release failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": res.Released})
}

func (h *Handler) ListStaffIntervals(c *gin.Context) {
	appts, err := h.svc.ListStaffIntervals(c.Request.Context(), c.Param("staff_id"))
	if err != nil {
		h.writeError(c, "staff intervals list failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointments": toResponses(appts)})
}

type freeSlotsQuery struct {
	WindowStart     time.Time `form:"window_start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	WindowEnd       time.Time `form:"window_end" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	DurationMinutes int       `form:"duration_minutes" binding:"required,min=1"`
	StepMinutes     int       `form:"step_minutes"`
}

func (h *Handler) FindFreeSlots(c *gin.Context) {
	var q freeSlotsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	slots, err := h.svc.FindFreeSlots(c.Request.Context(), availability.FreeSlotsInput{
		StaffID:     c.Param("staff_id"),
		WindowStart: q.WindowStart,
		WindowEnd:   q.WindowEnd,
		Duration:    time.Duration(q.DurationMinutes) * time.Minute,
		Step:        time.Duration(q.StepMinutes) * time.Minute,
	})
	if err != nil {
		h.writeError(c, "free slot search failed", err)
		return
	}

	out := make([]gin.H, 0, len(slots))
	for _, iv := range slots {
		out = append(out, gin.H{"start_time": iv.Start, "end_time": iv.End})
	}
	c.JSON(http.StatusOK, gin.H{"slots": out})
}

func (h *Handler) GetBufferPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, policyResponse(h.svc.BufferPolicy()))
}

type bufferPolicyRequest struct {
	BeforeMinutes int    `json:"before_minutes"`
	AfterMinutes  int    `json:"after_minutes"`
	Enforced      *bool  `json:"enforced" binding:"required"`
	Mode          string `json:"mode"`
}

func (h *Handler) PutBufferPolicy(c *gin.Context) {
	var req bufferPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.svc.SetBufferPolicy(c.Request.Context(), availability.BufferPolicyInput{
		BeforeMinutes: req.BeforeMinutes,
		AfterMinutes:  req.AfterMinutes,
		Enforced:      *req.Enforced,
		Mode:          buffer.Mode(req.Mode),
	})
	if err != nil {
		h.writeError(c, "buffer policy update failed", err)
		return
	}

	settings := h.svc.BufferPolicy()
	h.log.Info("buffer policy updated", slog.Int("before_minutes", settings.Global.Before), slog.Int("after_minutes", settings.Global.After), slog.String("mode", string(settings.Mode)))
	c.JSON(http.StatusOK, policyResponse(settings))
}

func (h *Handler) GetStaffBufferPolicy(c *gin.Context) {
	staffID := c.Param("staff_id")
	c.JSON(http.StatusOK, staffPolicyResponse(staffID, h.svc.StaffBufferPolicy(staffID)))
}

type bufferOverrideRequest struct {
	BeforeMinutes int `json:"before_minutes"`
	AfterMinutes  int `json:"after_minutes"`
}

func (h *Handler) PutStaffBufferOverride(c *gin.Context) {
	var req bufferOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	staffID := c.Param("staff_id")
	if err := h.svc.SetStaffBufferOverride(c.Request.Context(), staffID, req.BeforeMinutes, req.AfterMinutes); err != nil {
		h.writeError(c, "buffer override update failed", err)
		return
	}
	c.JSON(http.StatusOK, staffPolicyResponse(staffID, h.svc.StaffBufferPolicy(staffID)))
}

func (h *Handler) DeleteStaffBufferOverride(c *gin.Context) {
	staffID := c.Param("staff_id")
	if err := h.svc.ClearStaffBufferOverride(c.Request.Context(), staffID); err != nil {
		h.writeError(c, "buffer override clear failed", err)
		return
	}
	c.JSON(http.StatusOK, staffPolicyResponse(staffID, h.svc.StaffBufferPolicy(staffID)))
}

func (h *Handler) writeError(c *gin.Context, msg string, err error) {
	var vErr *availability.ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "appointment not found"})
	case errors.Is(err, store.ErrIdempotencyConflict):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "appointment id already used for a different booking"})
	case errors.Is(err, store.ErrUnavailable):
		h.log.Error(msg, slog.Any("err", err), slog.String("path", c.FullPath()))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "availability could not be determined, try again"})
	default:
		h.log.Error(msg, slog.Any("err", err), slog.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func toResponse(a domain.Appointment) *appointmentResponse {
	if a.ID == "" {
		return nil
	}
	return &appointmentResponse{
		ID:             a.ID,
		StaffID:        a.StaffID,
		LocationID:     a.LocationID,
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Status:         string(a.Status),
		ParticipantIDs: a.ParticipantIDs,
	}
}

func toResponses(appts []domain.Appointment) []*appointmentResponse {
	out := make([]*appointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toResponse(a))
	}
	return out
}

func policyResponse(s buffer.Settings) gin.H {
	overrides := make(map[string]gin.H, len(s.Overrides))
	for staffID, m := range s.Overrides {
		overrides[staffID] = gin.H{"before_minutes": m.Before, "after_minutes": m.After}
	}
	return gin.H{
		"before_minutes": s.Global.Before,
		"after_minutes":  s.Global.After,
		"mode":           string(s.Mode),
		"enforced":       s.Mode != buffer.ModeOff,
		"overrides":      overrides,
	}
}

func staffPolicyResponse(staffID string, p buffer.Policy) gin.H {
	return gin.H{
		"staff_id":       staffID,
		"before_minutes": int(p.Before / time.Minute),
		"after_minutes":  int(p.After / time.Minute),
		"mode":           string(p.Mode),
		"override":       p.Override,
	}
}
