package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"salonavail/backend/internal/domain"
	"salonavail/backend/internal/service/availability"
)

const retryDelay = time.Second

// Applier receives decoded status events.
type Applier interface {
	ApplyEvent(ctx context.Context, ev availability.StatusEvent) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer keeps the appointment index in step with the status feed published
// by the appointment owner. Offsets are committed only after an event has been
// applied, or after it has been rejected as malformed.
type Consumer struct {
	reader  messageReader
	applier Applier
	log     *slog.Logger
	retry   time.Duration
}

func New(cfg Config, applier Applier, log *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newConsumer(reader, applier, log)
}

func newConsumer(reader messageReader, applier Applier, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		reader:  reader,
		applier: applier,
		log:     log.With(slog.String("component", "feed")),
		retry:   retryDelay,
	}
}

// Run blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Warn("feed reader close failed", slog.Any("err", err))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("feed read failed", slog.Any("err", err))
			if !sleep(ctx, c.retry) {
				return
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("feed commit failed", slog.Any("err", err), slog.Int64("offset", msg.Offset))
		}
	}
}

// handle applies msg, retrying transient failures until ctx is done. It
// returns false only when ctx ended first.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	ev, err := Decode(msg)
	if err != nil {
		c.log.Warn("feed event dropped", slog.String("reason", "decode"), slog.Any("err", err), slog.Int64("offset", msg.Offset))
		return true
	}

	for {
		err := c.applier.ApplyEvent(ctx, ev)
		if err == nil {
			c.log.Debug("feed event applied", slog.String("type", string(ev.Type)), slog.String("appointment_id", ev.ID))
			return true
		}

		var vErr *availability.ValidationError
		if errors.As(err, &vErr) {
			c.log.Warn("feed event dropped", slog.String("reason", "invalid"), slog.Any("err", err), slog.String("appointment_id", ev.ID))
			return true
		}

		c.log.Error("feed event apply failed", slog.Any("err", err), slog.String("appointment_id", ev.ID))
		if !sleep(ctx, c.retry) {
			return false
		}
	}
}

type eventPayload struct {
	Type           string    `json:"type"`
	AppointmentID  string    `json:"appointment_id"`
	StaffID        string    `json:"staff_id"`
	LocationID     string    `json:"location_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Status         string    `json:"status"`
	ParticipantIDs []string  `json:"participant_ids"`
}

// Decode turns a feed message into a StatusEvent. The event type comes from
// the payload, falling back to the event_type header; the appointment id falls
// back to the message key.
func Decode(msg kafka.Message) (availability.StatusEvent, error) {
	var p eventPayload
	if err := json.Unmarshal(msg.Value, &p); err != nil {
		return availability.StatusEvent{}, fmt.Errorf("decode payload: %w", err)
	}

	typ := strings.TrimSpace(p.Type)
	if typ == "" {
		typ = headerValue(msg.Headers, "event_type")
	}
	typ = strings.ReplaceAll(strings.ToLower(typ), "-", "_")
	typ = strings.TrimPrefix(typ, "appointment.")
	if typ == "" {
		return availability.StatusEvent{}, errors.New("missing event type")
	}

	id := strings.TrimSpace(p.AppointmentID)
	if id == "" {
		id = string(msg.Key)
	}

	ev := availability.StatusEvent{
		Type:           availability.EventType(typ),
		ID:             id,
		StaffID:        p.StaffID,
		LocationID:     p.LocationID,
		Start:          p.StartTime,
		End:            p.EndTime,
		ParticipantIDs: p.ParticipantIDs,
	}
	if strings.TrimSpace(p.Status) != "" {
		st, err := domain.ParseStatus(p.Status)
		if err != nil {
			return availability.StatusEvent{}, err
		}
		ev.Status = st
	}
	return ev, nil
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return strings.TrimSpace(string(h.Value))
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
