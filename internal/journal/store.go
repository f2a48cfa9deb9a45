// Package journal keeps an append-only record of tool calls made by the
// orchestrator: one row per logical call, after retries, with its
// outcome. It answers "what happened in run X" after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one logical tool call.
type Entry struct {
	ID        string
	Timestamp time.Time
	RunID     string
	Phase     string // "narrative", "data", or "" outside a section
	Section   int    // 1-based section index, 0 outside a section
	Method    string
	Attempts  int
	Duration  time.Duration
	Outcome   string // ok, tool_error, timeout, transport, exited, error
	Code      int    // tool error code, 0 otherwise
	Error     string
}

// Summary aggregates entries for one method.
type Summary struct {
	Calls    int
	Attempts int
	Failures int
	Duration time.Duration
}

// Store is an append-only SQLite journal. A nil *Store discards
// records.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the journal at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		run_id      TEXT NOT NULL,
		phase       TEXT NOT NULL,
		section     INTEGER NOT NULL,
		method      TEXT NOT NULL,
		attempts    INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		outcome     TEXT NOT NULL,
		code        INTEGER NOT NULL,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	`)
	return err
}

// Record appends e. An empty ID gets a UUIDv7 and a zero Timestamp
// gets the current time.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil {
		return nil
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate journal entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, run_id, phase, section, method, attempts, duration_ms, outcome, code, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.RunID,
		e.Phase,
		e.Section,
		e.Method,
		e.Attempts,
		e.Duration.Milliseconds(),
		e.Outcome,
		e.Code,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

const selectColumns = `id, timestamp, run_id, phase, section, method, attempts, duration_ms, outcome, code, COALESCE(error, '')`

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM tool_calls ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent tool calls: %w", err)
	}
	return scanEntries(rows)
}

// ForRun returns the entries of one run in call order.
func (s *Store) ForRun(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM tool_calls WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tool calls for run %s: %w", runID, err)
	}
	return scanEntries(rows)
}

// Summarize returns per-method totals for one run.
func (s *Store) Summarize(ctx context.Context, runID string) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT method, COUNT(*), COALESCE(SUM(attempts), 0),
		        COALESCE(SUM(CASE WHEN outcome = 'ok' THEN 0 ELSE 1 END), 0),
		        COALESCE(SUM(duration_ms), 0)
		 FROM tool_calls
		 WHERE run_id = ?
		 GROUP BY method
		 ORDER BY method`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize run %s: %w", runID, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var (
			method string
			sum    Summary
			ms     int64
		)
		if err := rows.Scan(&method, &sum.Calls, &sum.Attempts, &sum.Failures, &ms); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		sum.Duration = time.Duration(ms) * time.Millisecond
		result[method] = &sum
	}
	return result, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
			ms int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.RunID, &e.Phase, &e.Section, &e.Method,
			&e.Attempts, &ms, &e.Outcome, &e.Code, &e.Error); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse tool call timestamp %q: %w", ts, err)
		}
		e.Timestamp = t
		e.Duration = time.Duration(ms) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
