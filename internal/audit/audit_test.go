package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
)

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	ctx := WithRequestID(context.Background(), "req-123")
	err := sink.Record(ctx, Event{
		Name:     "audit.test",
		UserID:   "user-42",
		TenantID: "t1",
		Kind:     "invalid_credentials",
		Fields:   map[string]any{"foo": "bar"},
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" || entry["tenant_id"] != "t1" || entry["kind"] != "invalid_credentials" {
		t.Fatalf("unexpected keys: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}

	if err := sink.Record(ctx, Event{}); err == nil {
		t.Fatal("expected error for unnamed event")
	}
}

func TestPGSinkInsertsEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	at := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	mock.ExpectExec("insert into auth_audit").
		WithArgs(at, "auth.login", "req-1", "u1", "t1", sqlmock.AnyArg(), sqlmock.AnyArg(), "10.0.0.1", []byte(`{"method":"password"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink, err := NewPGSink(db)
	if err != nil {
		t.Fatalf("NewPGSink: %v", err)
	}
	err = sink.Record(WithRequestID(context.Background(), "req-1"), Event{
		Name:       "auth.login",
		OccurredAt: at,
		UserID:     "u1",
		TenantID:   "t1",
		IP:         "10.0.0.1",
		Fields:     map[string]any{"method": "password"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSinkWrapsErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	boom := errors.New("connection reset")
	mock.ExpectExec("insert into auth_audit").WillReturnError(boom)

	sink, _ := NewPGSink(db)
	if err := sink.Record(context.Background(), Event{Name: "auth.login"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if _, err := NewPGSink(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, Event) error { return f.err }

func TestMultiRecordsEverywhere(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("boom")
	m := Multi{failingSink{err: boom}, NewLogSink(zerolog.New(&buf))}
	if err := m.Record(context.Background(), Event{Name: "auth.refresh"}); !errors.Is(err, boom) {
		t.Fatalf("expected first error, got %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("second sink should still receive the event")
	}
}
