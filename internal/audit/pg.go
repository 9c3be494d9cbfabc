package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const insertEvent = `insert into auth_audit
	(occurred_at, event, request_id, user_id, tenant_id, session_id, kind, ip, fields)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// PGSink appends events to the auth_audit table.
type PGSink struct {
	db *sql.DB
}

// OpenPG opens a pgx-backed database handle for dsn and verifies it.
func OpenPG(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping db: %w", err)
	}
	return db, nil
}

// NewPGSink writes to db.
func NewPGSink(db *sql.DB) (*PGSink, error) {
	if db == nil {
		return nil, errors.New("audit: db is required")
	}
	return &PGSink{db: db}, nil
}

func (s *PGSink) Record(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.Name) == "" {
		return errors.New("event name is required")
	}
	ev = normalise(ctx, ev)
	fields := ev.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("audit: encode fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertEvent,
		ev.OccurredAt.UTC(),
		ev.Name,
		nullable(ev.RequestID),
		nullable(ev.UserID),
		nullable(ev.TenantID),
		nullable(ev.SessionID),
		nullable(ev.Kind),
		nullable(ev.IP),
		raw,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
