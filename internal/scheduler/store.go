package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store keeps the run history of scheduled jobs.
type Store struct {
	db *sql.DB
}

// NewStore creates a run store with SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		result TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_job_runs_job_id ON job_runs(job_id);
	CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// CreateRun records a new run.
func (s *Store) CreateRun(r *Run) error {
	if r.ID == "" {
		r.ID = NewID()
	}

	_, err := s.db.Exec(`
		INSERT INTO job_runs (id, job_id, scheduled_at, started_at, completed_at, attempts, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.JobID, r.ScheduledAt.Format(time.RFC3339Nano), r.StartedAt.Format(time.RFC3339Nano),
		formatOptional(r.CompletedAt), r.Attempts, r.Status, r.Result)

	return err
}

// UpdateRun updates a run record.
func (s *Store) UpdateRun(r *Run) error {
	_, err := s.db.Exec(`
		UPDATE job_runs SET completed_at = ?, attempts = ?, status = ?, result = ?
		WHERE id = ?
	`, formatOptional(r.CompletedAt), r.Attempts, r.Status, r.Result, r.ID)

	return err
}

// ListRuns returns the most recent runs of a job, newest first.
func (s *Store) ListRuns(jobID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, job_id, scheduled_at, started_at, completed_at, attempts, status, result
		FROM job_runs WHERE job_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// MarkInterrupted flags runs left in the running state by a previous
// process. It returns how many were flagged.
func (s *Store) MarkInterrupted() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE job_runs SET status = ?, result = 'process stopped before completion'
		WHERE status = ?
	`, StatusInterrupted, StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var r Run
	var scheduledAt, startedAt string
	var completedAt, result sql.NullString
	if err := rows.Scan(&r.ID, &r.JobID, &scheduledAt, &startedAt, &completedAt,
		&r.Attempts, &r.Status, &result); err != nil {
		return nil, err
	}

	r.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		r.CompletedAt = &t
	}
	r.Result = result.String
	return &r, nil
}
