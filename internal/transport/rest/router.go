package rest

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type RouterConfig struct {
	RateLimit float64
	RateBurst int
}

// NewRouter wires the JSON API. Every /api/v1 route is rate limited per
// client IP; /healthz is not.
func NewRouter(svc availabilityService, log *slog.Logger, cfg RouterConfig) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log.With(slog.String("component", "http.access"))))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := NewHandler(svc, log)

	api := r.Group("/api/v1")
	api.Use(RateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst))
	{
		api.POST("/availability/check", h.CheckAvailability)

		api.POST("/appointments", h.Reserve)
		api.POST("/appointments/:id/reschedule", h.Reschedule)
		api.DELETE("/appointments/:id", h.Release)

		api.GET("/staff/:staff_id/appointments", h.ListStaffIntervals)
		api.GET("/staff/:staff_id/free-slots", h.FindFreeSlots)
		api.GET("/staff/:staff_id/buffer-policy", h.GetStaffBufferPolicy)
		api.PUT("/staff/:staff_id/buffer-policy", h.PutStaffBufferOverride)
		api.DELETE("/staff/:staff_id/buffer-policy", h.DeleteStaffBufferOverride)

		api.GET("/buffer-policy", h.GetBufferPolicy)
		api.PUT("/buffer-policy", h.PutBufferPolicy)
	}

	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request", attrs...)
		case status >= http.StatusBadRequest:
			log.Warn("request", attrs...)
		default:
			log.Debug("request", attrs...)
		}
	}
}
