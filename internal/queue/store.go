package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ripley/internal/config"
)

// ErrTerminalState is returned when an update would mutate a job that has
// already reached a terminal status.
var ErrTerminalState = errors.New("job is in a terminal state")

// Store manages job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the job database and verifies the schema.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.LogDir(), "jobs.db"))
}

// OpenPath connects to the job database at an explicit path.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

const jobColumns = `id, kind, disc_title, device, drive_index, status,
    progress_stage, progress_percent, progress_message, error_message,
    titles_json, outputs_json, created_at, updated_at`

// NewJob inserts a pending job row and returns it.
func (s *Store) NewJob(ctx context.Context, kind Kind, discTitle, device string, driveIndex int, titlesJSON string) (*Job, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            kind, disc_title, device, drive_index, status,
            progress_stage, progress_percent, progress_message, titles_json,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kind,
		strings.TrimSpace(discTitle),
		strings.TrimSpace(device),
		driveIndex,
		StatusPending,
		"Pending",
		0.0,
		"Waiting to start",
		titlesJSON,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a single job.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// Update persists mutable job fields. Terminal jobs are immutable: an update
// against a job already completed, failed, or cancelled returns
// ErrTerminalState unless the update is a no-op on status.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job required")
	}
	current, err := s.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("job %d: %w", job.ID, sql.ErrNoRows)
	}
	if current.Status.IsTerminal() && current.Status != job.Status {
		return fmt.Errorf("job %d: %w (%s)", job.ID, ErrTerminalState, current.Status)
	}

	job.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE jobs SET kind = ?, disc_title = ?, device = ?, drive_index = ?,
            status = ?, progress_stage = ?, progress_percent = ?,
            progress_message = ?, error_message = ?, titles_json = ?,
            outputs_json = ?, updated_at = ?
         WHERE id = ?`,
		job.Kind,
		job.DiscTitle,
		job.Device,
		job.DriveIndex,
		job.Status,
		job.ProgressStage,
		job.ProgressPercent,
		job.ProgressMessage,
		job.ErrorMessage,
		job.TitlesJSON,
		job.OutputsJSON,
		job.UpdatedAt.Format(time.RFC3339Nano),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	return nil
}

// NextPending returns the oldest pending job, or nil when the queue is idle.
func (s *Store) NextPending(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		StatusPending,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// NextPendingOfKinds returns the oldest pending job whose kind is in the
// given set, or nil when none match. Lane pollers use this to keep disc and
// encode work independent.
func (s *Store) NextPendingOfKinds(ctx context.Context, kinds ...Kind) (*Job, error) {
	if len(kinds) == 0 {
		return s.NextPending(ctx)
	}
	placeholders := make([]string, len(kinds))
	args := make([]any, 0, len(kinds)+1)
	args = append(args, StatusPending)
	for i, kind := range kinds {
		placeholders[i] = "?"
		args = append(args, kind)
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND kind IN (`+strings.Join(placeholders, ",")+`)
         ORDER BY created_at ASC, id ASC LIMIT 1`,
		args...,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// List returns jobs ordered newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Remove deletes a job row outright. Used for cancelling jobs that never
// started; running jobs are cancelled through a status transition instead.
func (s *Store) Remove(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove job %d: %w", id, err)
	}
	return nil
}

// RetryFailed resets failed jobs back to pending and returns how many moved.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, progress_stage = 'Pending', progress_percent = 0,
            progress_message = 'Retry requested', error_message = '', updated_at = ?
         WHERE status = ?`,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// ClearCompleted deletes completed and cancelled jobs.
func (s *Store) ClearCompleted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE status IN (?, ?)`,
		StatusCompleted,
		StatusCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("clear completed jobs: %w", err)
	}
	return res.RowsAffected()
}

// Health aggregates per-status counts.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("queue health: %w", err)
	}
	defer rows.Close()

	var summary HealthSummary
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return HealthSummary{}, err
		}
		summary.Total += count
		switch status {
		case StatusPending:
			summary.Pending = count
		case StatusRunning:
			summary.Running = count
		case StatusCompleted:
			summary.Completed = count
		case StatusFailed:
			summary.Failed = count
		case StatusCancelled:
			summary.Cancelled = count
		}
	}
	return summary, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var createdAt, updatedAt string
	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.DiscTitle,
		&job.Device,
		&job.DriveIndex,
		&job.Status,
		&job.ProgressStage,
		&job.ProgressPercent,
		&job.ProgressMessage,
		&job.ErrorMessage,
		&job.TitlesJSON,
		&job.OutputsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = parseTimestamp(createdAt)
	job.UpdatedAt = parseTimestamp(updatedAt)
	return &job, nil
}

func parseTimestamp(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
