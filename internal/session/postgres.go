package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertEventSQL = `
	INSERT INTO session_events (
		id, event_type, request_id, tenant_id, user_id, session_id, ip_address, user_agent,
		method, url, status_code, response_time_ms, is_error, is_slow, is_suspicious, occurred_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

// PostgresSink appends events to the session_events table.
type PostgresSink struct {
	db Execer
}

func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Emit(ctx context.Context, ev Event) error {
	var args []any
	switch {
	case ev.Activity != nil:
		a := ev.Activity
		args = []any{
			a.ID, ev.Name, nullable(a.RequestID), nullable(a.TenantID), nullable(a.UserID),
			nullable(a.SessionID), a.IPAddress, a.UserAgent, a.Method, a.URL,
			nil, nil, false, false, false, a.Timestamp,
		}
	case ev.Response != nil:
		r := ev.Response
		args = []any{
			r.ID, ev.Name, nullable(r.RequestID), nullable(r.TenantID), nullable(r.UserID),
			nullable(r.SessionID), r.IPAddress, r.UserAgent, r.Method, r.URL,
			r.StatusCode, r.ResponseTimeMs, r.IsErrorResponse, r.IsSlowResponse, r.IsSuspiciousStatus, r.Timestamp,
		}
	default:
		return fmt.Errorf("event %q has no payload", ev.Name)
	}

	if _, err := s.db.Exec(ctx, insertEventSQL, args...); err != nil {
		return fmt.Errorf("insert %s: %w", ev.Name, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
