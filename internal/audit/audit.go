// Package audit records security-relevant gateway events. Sinks must never
// fail the request that produced the event: errors are logged and dropped.
package audit

import (
	"context"
	"strings"
	"time"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Event names emitted by the gateway.
const (
	EventLogin         = "auth.login"
	EventLoginFailed   = "auth.login_failed"
	EventRefresh       = "auth.refresh"
	EventRevoke        = "auth.session_revoked"
	EventAccessDenied  = "auth.access_denied"
	EventUserCreated   = "auth.user_created"
	EventUserUpdated   = "auth.user_updated"
	EventUserDeleted   = "auth.user_deleted"
	EventRoleChanged   = "auth.role_changed"
	EventPolicyChanged = "auth.policy_changed"
	EventMFAEnrolled   = "auth.mfa_enrolled"
)

// Event is one audit record. Kind names the error kind for failures.
type Event struct {
	Name       string
	OccurredAt time.Time
	RequestID  string
	UserID     string
	TenantID   string
	SessionID  string
	Kind       string
	IP         string
	Fields     map[string]any
}

// Sink consumes audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func normalise(ctx context.Context, ev Event) Event {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	return ev
}
