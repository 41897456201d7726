// Package scheduler runs one-shot jobs at a point in time. toolbridge
// uses it to refresh OAuth credentials shortly before they expire: one
// job per configuration, rescheduled by the job itself.
package scheduler

import (
	"time"
)

// Run represents a single execution of a job, including retries.
type Run struct {
	ID          string     `json:"id"`           // UUIDv7
	JobID       string     `json:"job_id"`       // configuration ID for refresh jobs
	ScheduledAt time.Time  `json:"scheduled_at"` // When it was supposed to run
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	Status      RunStatus  `json:"status"`
	Result      string     `json:"result,omitempty"` // "success" or the last error
}

// RunStatus indicates the state of a run.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusCompleted   RunStatus = "completed"
	StatusFailed      RunStatus = "failed"
	StatusInterrupted RunStatus = "interrupted" // process stopped mid-run
)

// Entry describes a pending job.
type Entry struct {
	JobID string    `json:"job_id"`
	At    time.Time `json:"at"`
}
