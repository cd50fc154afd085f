// Package calllog persists one row per outbound upstream attempt so the
// admin API and CLI can show what the rate-limit window was spent on.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry is one upstream attempt.
type Entry struct {
	ID           int64     `json:"id"`
	TraceID      string    `json:"trace_id,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Query        string    `json:"query,omitempty"`
	Attempt      int       `json:"attempt"`
	StatusCode   int       `json:"status_code"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Query filters List.
type Query struct {
	Limit      int
	Offset     int
	Endpoint   string
	ErrorsOnly bool
	Since      *time.Time
}

// Result is a page of entries plus the total matching count.
type Result struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// MaintenanceQuery selects rows for Delete.
type MaintenanceQuery struct {
	Before *time.Time
}

// Writer persists call log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Store is a Writer that can also be queried and pruned.
type Store interface {
	Writer
	List(ctx context.Context, q Query) (Result, error)
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
	Close() error
}

// NoopStore drops writes and lists nothing.
type NoopStore struct{}

func (NoopStore) Write(_ context.Context, _ Entry) error { return nil }

func (NoopStore) List(_ context.Context, _ Query) (Result, error) {
	return Result{Data: []Entry{}}, nil
}

func (NoopStore) Delete(_ context.Context, _ MaintenanceQuery) (int64, error) { return 0, nil }

func (NoopStore) Close() error { return nil }

const (
	// DefaultListLimit applies when Query.Limit is not positive.
	DefaultListLimit = 50
	// MaxListLimit caps Query.Limit.
	MaxListLimit = 500
)

// SQLStore persists entries to SQLite/Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "matchday-calls.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite call log: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres call log: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s call log: %w", s.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS upstream_calls (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	endpoint TEXT NOT NULL,
	query TEXT,
	attempt INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if s.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS upstream_calls (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	endpoint TEXT NOT NULL,
	query TEXT,
	attempt INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize call log schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := s.rebind(`INSERT INTO upstream_calls(trace_id, endpoint, query, attempt, status_code, duration_ms, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.Endpoint,
		entry.Query,
		entry.Attempt,
		entry.StatusCode,
		entry.DurationMs,
		entry.ErrorMessage,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write call log: %w", err)
	}
	return nil
}

func (s *SQLStore) where(q Query) (string, []any) {
	var clauses []string
	var args []any
	if q.Endpoint != "" {
		clauses = append(clauses, "endpoint = ?")
		args = append(args, q.Endpoint)
	}
	if q.ErrorsOnly {
		clauses = append(clauses, "(error_message <> '' OR status_code >= 400)")
	}
	if q.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns the newest matching entries first.
func (s *SQLStore) List(ctx context.Context, q Query) (Result, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	where, args := s.where(q)

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM upstream_calls`+where), args...).Scan(&total); err != nil {
		return Result{}, fmt.Errorf("count call log: %w", err)
	}

	query := s.rebind(`SELECT id, trace_id, endpoint, query, attempt, status_code, duration_ms, error_message, created_at
	FROM upstream_calls` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return Result{}, fmt.Errorf("list call log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := Result{Data: []Entry{}, Total: total}
	for rows.Next() {
		var (
			e       Entry
			traceID sql.NullString
			qs      sql.NullString
			errMsg  sql.NullString
		)
		if err := rows.Scan(&e.ID, &traceID, &e.Endpoint, &qs, &e.Attempt, &e.StatusCode, &e.DurationMs, &errMsg, &e.CreatedAt); err != nil {
			return Result{}, fmt.Errorf("scan call log: %w", err)
		}
		e.TraceID = traceID.String
		e.Query = qs.String
		e.ErrorMessage = errMsg.String
		out.Data = append(out.Data, e)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate call log: %w", err)
	}
	return out, nil
}

// Delete prunes entries older than q.Before. A nil Before deletes nothing.
func (s *SQLStore) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	if q.Before == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM upstream_calls WHERE created_at < ?`), q.Before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete call log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete call log rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
