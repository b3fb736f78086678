// Package store archives the final result of every closed session in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the archived outcome of one session.
type Record struct {
	SessionID    string
	Sentence     string
	Reason       string
	AllCompleted bool
	Overall      float64
	Result       []byte // JSON-encoded result
	CreatedAt    time.Time
	ClosedAt     time.Time
}

// Store wraps a SQLite-backed result archive. With no path it is ephemeral
// and every operation is a no-op.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open initializes the archive at path, creating the schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return &Store{clock: time.Now}, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS session_results (
    session_id TEXT PRIMARY KEY,
    sentence TEXT NOT NULL,
    reason TEXT NOT NULL,
    all_completed INTEGER NOT NULL,
    overall REAL NOT NULL,
    result BLOB,
    created_at TEXT NOT NULL,
    closed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_results_closed ON session_results(closed_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Ephemeral reports whether the store discards writes.
func (s *Store) Ephemeral() bool {
	return s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Archive writes a session result. Re-archiving a session replaces the row.
func (s *Store) Archive(ctx context.Context, rec Record) error {
	if s.db == nil {
		return nil
	}
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_results(session_id, sentence, reason, all_completed, overall, result, created_at, closed_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   reason=excluded.reason, all_completed=excluded.all_completed, overall=excluded.overall,
		   result=excluded.result, closed_at=excluded.closed_at`,
		rec.SessionID, rec.Sentence, rec.Reason, boolInt(rec.AllCompleted), rec.Overall, rec.Result,
		formatTime(rec.CreatedAt), formatTime(rec.ClosedAt))
	if err != nil {
		return fmt.Errorf("archive %s: %w", rec.SessionID, err)
	}
	return nil
}

// Get returns the archived record for a session.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, bool, error) {
	if s.db == nil {
		return Record{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, sentence, reason, all_completed, overall, result, created_at, closed_at
		 FROM session_results WHERE session_id = ?`, sessionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Recent returns up to limit records, most recently closed first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, sentence, reason, all_completed, overall, result, created_at, closed_at
		 FROM session_results ORDER BY closed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec               Record
		completed         int
		created, closedAt string
	)
	if err := sc.Scan(&rec.SessionID, &rec.Sentence, &rec.Reason, &completed, &rec.Overall,
		&rec.Result, &created, &closedAt); err != nil {
		return Record{}, err
	}
	rec.AllCompleted = completed != 0
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, closedAt); err == nil {
		rec.ClosedAt = ts
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
