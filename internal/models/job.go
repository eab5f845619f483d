package models

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusLeased     = "leased"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// ErrJobCancelled is returned by worker transitions on a job that was
// cancelled while it was leased or running.
var ErrJobCancelled = errors.New("job was cancelled")

// TaskDownloadVideo fetches metadata, records the video and downloads the file.
const TaskDownloadVideo = "video:download"

// Job represents a unit of queued work. ID doubles as the public job key.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    string          `json:"priority"`
	Payload     map[string]any  `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   *string         `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	WorkerID    *string         `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Finished reports whether the job completed and holds a result.
func (j Job) Finished() bool {
	return j.Status == StatusSucceeded
}

// Failed reports whether the job reached a terminal state without a result.
func (j Job) Failed() bool {
	switch j.Status {
	case StatusFailed, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
