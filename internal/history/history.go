// Package history persists one record per pipeline run in a local sqlite
// database, queryable from the CLI.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/autobuild/internal/pipeline"
)

// Record is one finished run.
type Record struct {
	RunID      string
	Outcome    string
	FailedStep string
	ExitCode   int    // failing command's exit status, 0 on success
	Command    string // failing command, empty on success
	LogPath    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the run's wall time.
func (r Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FromReport flattens a run report into a Record.
func FromReport(report *pipeline.Report) Record {
	rec := Record{
		RunID:      report.RunID.String(),
		Outcome:    string(report.Outcome),
		FailedStep: report.FailedStep,
		LogPath:    report.LogPath,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	}
	if report.Failure != nil {
		rec.ExitCode = report.Failure.ExitCode
		rec.Command = report.Failure.Command
	}
	return rec
}

// Store is a sqlite-backed run history.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens the history database at path, creating the file and schema as
// needed. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		failed_step TEXT NOT NULL DEFAULT '',
		exit_code INTEGER NOT NULL DEFAULT 0,
		command TEXT NOT NULL DEFAULT '',
		log_path TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one run to the history.
func (s *Store) Record(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, outcome, failed_step, exit_code, command, log_path, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Outcome, rec.FailedStep, rec.ExitCode, rec.Command, rec.LogPath,
		rec.StartedAt.Unix(), rec.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, outcome, failed_step, exit_code, command, log_path, started_at, finished_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var started, finished int64
		if err := rows.Scan(&rec.RunID, &rec.Outcome, &rec.FailedStep, &rec.ExitCode,
			&rec.Command, &rec.LogPath, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt = time.Unix(started, 0)
		rec.FinishedAt = time.Unix(finished, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
