// Package store persists job history in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dudu/refacer/internal/pipeline"
)

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

// Record is one persisted job.
type Record struct {
	ID              string
	SourceFacePath  string
	TargetVideoPath string
	OutputPath      string
	State           pipeline.State
	FramesTotal     int
	Processed       int
	Swapped         int
	Passthrough     int
	Degraded        int
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store manages job history backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open initializes or connects to the history database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            source_face_path TEXT NOT NULL,
            target_video_path TEXT NOT NULL,
            output_path TEXT NOT NULL,
            state TEXT NOT NULL,
            frames_total INTEGER NOT NULL DEFAULT 0,
            frames_processed INTEGER NOT NULL DEFAULT 0,
            frames_swapped INTEGER NOT NULL DEFAULT 0,
            frames_passthrough INTEGER NOT NULL DEFAULT 0,
            frames_degraded INTEGER NOT NULL DEFAULT 0,
            error_message TEXT NOT NULL DEFAULT '',
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL
        )`)
	if err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a job row in its current state.
func (s *Store) Create(ctx context.Context, job *pipeline.Job) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
            id, source_face_path, target_video_path, output_path,
            state, frames_total, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.SourceFacePath,
		job.TargetVideoPath,
		job.OutputPath,
		job.State.String(),
		job.TotalFrames,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateState records a state transition.
func (s *Store) UpdateState(ctx context.Context, id string, state pipeline.State) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`,
		state.String(), now, id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish records the terminal state and final counters of a job.
func (s *Store) Finish(ctx context.Context, job *pipeline.Job) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	errorMessage := ""
	if job.Err != nil {
		errorMessage = job.Err.Error()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
            state = ?,
            frames_total = ?,
            frames_processed = ?,
            frames_swapped = ?,
            frames_passthrough = ?,
            frames_degraded = ?,
            error_message = ?,
            updated_at = ?
        WHERE id = ?`,
		job.State.String(),
		job.TotalFrames,
		job.Counters.Processed,
		job.Counters.Swapped,
		job.Counters.Passthrough,
		job.Counters.Degraded,
		errorMessage,
		now,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return record, err
}

// List returns the most recent jobs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

const selectColumns = `SELECT
    id, source_face_path, target_video_path, output_path,
    state, frames_total, frames_processed, frames_swapped,
    frames_passthrough, frames_degraded, error_message,
    created_at, updated_at
FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var state, createdAt, updatedAt string

	err := row.Scan(
		&r.ID, &r.SourceFacePath, &r.TargetVideoPath, &r.OutputPath,
		&state, &r.FramesTotal, &r.Processed, &r.Swapped,
		&r.Passthrough, &r.Degraded, &r.ErrorMessage,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.State, err = pipeline.ParseState(state); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}
