// Package postgres provides the PostgreSQL-backed call-history [history.Store].
//
// The schema is a single append-mostly table; [NewStore] runs the migration
// via CREATE TABLE IF NOT EXISTS on startup.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/toolgate/internal/history"
)

var _ history.Store = (*Store)(nil)

const ddlCallRecords = `
CREATE TABLE IF NOT EXISTS call_records (
    id           BIGSERIAL    PRIMARY KEY,
    request_id   TEXT         NOT NULL,
    session_id   TEXT         NOT NULL,
    tool         TEXT         NOT NULL,
    provider     TEXT         NOT NULL DEFAULT '',
    transport    TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL,
    error_kind   TEXT         NOT NULL DEFAULT '',
    reason       TEXT         NOT NULL DEFAULT '',
    arg_summary  TEXT         NOT NULL DEFAULT '',
    coalesced    BOOLEAN      NOT NULL DEFAULT false,
    wait_ms      BIGINT       NOT NULL DEFAULT 0,
    duration_ms  BIGINT       NOT NULL DEFAULT 0,
    result_size  BIGINT       NOT NULL DEFAULT 0,
    started_at   TIMESTAMPTZ  NOT NULL,
    finished_at  TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_records_session_id
    ON call_records (session_id);

CREATE INDEX IF NOT EXISTS idx_call_records_tool_started
    ON call_records (tool, started_at);

CREATE INDEX IF NOT EXISTS idx_call_records_status
    ON call_records (status);
`

const insertCallRecord = `
INSERT INTO call_records (
    request_id, session_id, tool, provider, transport,
    status, error_kind, reason, arg_summary, coalesced,
    wait_ms, duration_ms, result_size, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

// Store persists call records into PostgreSQL through a shared
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, verifies
// connectivity, and ensures the call_records table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlCallRecords); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Insert writes one call record.
func (s *Store) Insert(ctx context.Context, rec history.CallRecord) error {
	_, err := s.pool.Exec(ctx, insertCallRecord,
		rec.RequestID, rec.SessionID, rec.Tool, rec.Provider, rec.Transport,
		rec.Status, rec.ErrorKind, rec.Reason, rec.ArgSummary, rec.Coalesced,
		rec.WaitMs, rec.DurationMs, rec.ResultSize, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("history store: insert %s: %w", rec.RequestID, err)
	}
	return nil
}

// Ping verifies database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}
