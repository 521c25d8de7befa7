package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/adcondev/printomat/internal/queue"
)

type migration struct {
	Version string
	SQL     string
}

var migrations = []migration{
	{
		Version: "0001_jobs",
		SQL: `
			CREATE TABLE jobs (
				id            INTEGER PRIMARY KEY,
				kind          TEXT NOT NULL,
				content       TEXT NOT NULL,
				source_ip     TEXT NOT NULL,
				status        TEXT NOT NULL,
				attempt_count INTEGER NOT NULL DEFAULT 1,
				last_error    TEXT NOT NULL DEFAULT '',
				submitted_at  DATETIME NOT NULL,
				updated_at    DATETIME NOT NULL
			);
			CREATE INDEX idx_jobs_status ON jobs(status);
		`,
	},
	{
		Version: "0002_job_events",
		SQL: `
			CREATE TABLE job_events (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id     INTEGER NOT NULL,
				event      TEXT NOT NULL,
				status     TEXT NOT NULL,
				attempt    INTEGER NOT NULL,
				session_id TEXT NOT NULL DEFAULT '',
				reason     TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			);
			CREATE INDEX idx_job_events_job ON job_events(job_id);
		`,
	},
}

// SQLiteStore keeps the job history and the current state of every job.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}
	}
	return nil
}

// Record implements Sink. It appends the event and upserts the job row.
func (s *SQLiteStore) Record(ctx context.Context, ev Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job := ev.Job
	if err := upsertJob(ctx, tx, job, ev.Time); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, event, status, attempt, session_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(ev.Type), string(job.Status), job.AttemptCount, ev.SessionID, ev.Reason,
		ev.Time.UTC()); err != nil {
		return fmt.Errorf("failed to insert event for job %d: %w", job.ID, err)
	}

	return tx.Commit()
}

// SaveJob writes the current state of job. The daemon calls it before a
// submission is acknowledged, so the id survives a crash even when the
// matching event is still buffered.
func (s *SQLiteStore) SaveJob(ctx context.Context, job queue.Job) error {
	return upsertJob(ctx, s.db, job, job.UpdatedAt)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertJob(ctx context.Context, db execer, job queue.Job, updatedAt time.Time) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, content, source_ip, status, attempt_count, last_error, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, job.ID, string(job.Kind), job.Content, job.SourceIP, string(job.Status), job.AttemptCount,
		job.LastError, job.SubmittedAt.UTC(), updatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert job %d: %w", job.ID, err)
	}
	return nil
}

// History returns the most recently updated jobs, optionally filtered by
// status. Content is omitted.
func (s *SQLiteStore) History(ctx context.Context, status queue.Status, limit int) ([]queue.Job, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, kind, '', source_ip, status, attempt_count, last_error, submitted_at, updated_at FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	return s.queryJobs(ctx, query, args...)
}

// Unfinished returns jobs that were Pending or InFlight when last recorded,
// oldest first, including their content.
func (s *SQLiteStore) Unfinished(ctx context.Context) ([]queue.Job, error) {
	return s.queryJobs(ctx, `
		SELECT id, kind, content, source_ip, status, attempt_count, last_error, submitted_at, updated_at
		FROM jobs
		WHERE status IN (?, ?)
		ORDER BY id ASC
	`, string(queue.StatusPending), string(queue.StatusInFlight))
}

// MaxJobID returns the highest job id ever recorded, or 0.
func (s *SQLiteStore) MaxJobID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM jobs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to query max job id: %w", err)
	}
	return id.Int64, nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]queue.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []queue.Job
	for rows.Next() {
		var (
			job          queue.Job
			kind, status string
		)
		if err := rows.Scan(&job.ID, &kind, &job.Content, &job.SourceIP, &status, &job.AttemptCount,
			&job.LastError, &job.SubmittedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Kind = queue.Kind(kind)
		job.Status = queue.Status(status)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
