package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogSink writes events as structured log entries of type "audit".
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink writes through log.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Record(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.Name) == "" {
		return errors.New("event name is required")
	}
	ev = normalise(ctx, ev)
	entry := s.log.Info().
		Str("type", "audit").
		Str("event", ev.Name).
		Str("occurred_at", ev.OccurredAt.Format(time.RFC3339Nano))
	if ev.RequestID != "" {
		entry = entry.Str("request_id", ev.RequestID)
	}
	if ev.UserID != "" {
		entry = entry.Str("user_id", ev.UserID)
	}
	if ev.TenantID != "" {
		entry = entry.Str("tenant_id", ev.TenantID)
	}
	if ev.SessionID != "" {
		entry = entry.Str("session_id", ev.SessionID)
	}
	if ev.Kind != "" {
		entry = entry.Str("kind", ev.Kind)
	}
	if ev.IP != "" {
		entry = entry.Str("ip", ev.IP)
	}
	fields := ev.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	entry.Interface("fields", fields).Msg("audit")
	return nil
}
