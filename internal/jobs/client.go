// Package jobs is the enqueue/fetch facade the router uses to hand work to the
// worker processes and to look up its outcome by job key.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/models"
	"video-download-service/internal/store"
)

type jobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

type jobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error
}

// Status is the caller-visible view of a job.
type Status struct {
	Key      string
	State    string
	Finished bool
	Failed   bool
	Error    string
	Result   json.RawMessage
}

// DecodeResult unmarshals the job result into v.
func (s Status) DecodeResult(v any) error {
	if len(s.Result) == 0 {
		return fmt.Errorf("job %s has no result", s.Key)
	}
	if err := json.Unmarshal(s.Result, v); err != nil {
		return fmt.Errorf("decode result of job %s: %w", s.Key, err)
	}
	return nil
}

// Client persists jobs in Postgres and pushes their keys onto the Redis queue.
type Client struct {
	store       jobStore
	queue       jobQueue
	priority    string
	maxAttempts int
	log         zerolog.Logger
}

// NewClient wires a job client.
func NewClient(st jobStore, q jobQueue, priority string, maxAttempts int, logger zerolog.Logger) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		store:       st,
		queue:       q,
		priority:    priority,
		maxAttempts: maxAttempts,
		log:         logger.With().Str("component", "jobs").Logger(),
	}
}

// Enqueue records a job of the given task type and makes it ready for a worker.
// It returns the job key.
func (c *Client) Enqueue(ctx context.Context, task string, payload map[string]any) (string, error) {
	job, err := c.store.CreateJob(ctx, store.CreateJobParams{
		Type:        task,
		Priority:    c.priority,
		Payload:     payload,
		RunAt:       time.Now().UTC(),
		MaxAttempts: c.maxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if err := c.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		msg := err.Error()
		if uerr := c.store.UpdateJobStatus(ctx, job.ID, models.StatusFailed, job.Attempts, job.NextRunAt, &msg); uerr != nil {
			c.log.Error().Err(uerr).Str("job_id", job.ID).Msg("mark job failed after enqueue error")
		}
		return "", apperrors.Unavailable("queue", err)
	}
	if err := c.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("type=%s priority=%s", task, job.Priority)); err != nil {
		c.log.Warn().Err(err).Str("job_id", job.ID).Msg("append audit")
	}
	c.log.Debug().Str("job_id", job.ID).Str("type", task).Msg("job enqueued")
	return job.ID, nil
}

// Fetch looks up a job by key.
func (c *Client) Fetch(ctx context.Context, key string) (Status, error) {
	job, err := c.store.GetJob(ctx, key)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Key:      job.ID,
		State:    job.Status,
		Finished: job.Finished(),
		Failed:   job.Failed(),
		Result:   job.Result,
	}
	if job.LastError != nil {
		st.Error = *job.LastError
	}
	return st, nil
}
