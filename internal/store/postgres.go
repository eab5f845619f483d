package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/models"
)

// Store wraps pgxpool for Postgres persistence of videos and jobs.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", apperrors.MapDBError(err))
	}
	return &Store{pool: pool, log: logger.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperrors.Unavailable("database", err)
	}
	return nil
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type        string
	Priority    string
	Payload     map[string]any
	RunAt       time.Time
	MaxAttempts int
}

// CreateJob inserts a queued job row and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, priority, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, id, p.Type, p.Priority, payloadJSON, models.StatusQueued, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", apperrors.MapDBError(err))
	}

	return models.Job{
		ID:          id,
		Type:        p.Type,
		Priority:    p.Priority,
		Payload:     p.Payload,
		Status:      models.StatusQueued,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job by key. Malformed keys are reported as not found.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, apperrors.NotFoundf("job %s not found", id)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id::text, type, priority, payload, status, attempts, max_attempts, next_run_at,
		       last_error, result, worker_id, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON, resultJSON []byte
	var lastErr, workerID pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &job.Priority, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.NextRunAt, &lastErr, &resultJSON, &workerID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		mapped := apperrors.MapDBError(err)
		if apperrors.Is(mapped, apperrors.CodeNotFound) {
			return models.Job{}, apperrors.NotFoundf("job %s not found", id)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", mapped)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		job.Result = json.RawMessage(resultJSON)
	}
	job.LastError = textPtr(lastErr)
	job.WorkerID = textPtr(workerID)
	return job, nil
}

// UpdateJobStatus sets status, attempts, next_run_at and last_error atomically.
// Worker transitions below never touch a cancelled row; they return
// models.ErrJobCancelled instead.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status <> $6
	`, id, status, attempts, nextRun, lastError, models.StatusCancelled)
	return s.checkTransition(ctx, id, tag, err)
}

// checkTransition reports models.ErrJobCancelled when a guarded update
// matched nothing because the job is cancelled.
func (s *Store) checkTransition(ctx context.Context, id string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status); err != nil {
		return apperrors.MapDBError(err)
	}
	if status == models.StatusCancelled {
		return models.ErrJobCancelled
	}
	return nil
}

// SetWorkerID records which worker picked up a job.
func (s *Store) SetWorkerID(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET worker_id = $2, updated_at = NOW() WHERE id = $1`, id, workerID)
	return apperrors.MapDBError(err)
}

// MarkSuccess transitions a job to succeeded and stores its result.
func (s *Store) MarkSuccess(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, updated_at = NOW(), last_error = NULL
		WHERE id = $1 AND status <> $4
	`, id, models.StatusSucceeded, []byte(result), models.StatusCancelled)
	return s.checkTransition(ctx, id, tag, err)
}

// MarkDeadLetter flags a job as dead_lettered.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status <> $5
	`, id, models.StatusDeadLetter, attempts, lastError, models.StatusCancelled)
	return s.checkTransition(ctx, id, tag, err)
}

// MarkCancelled cancels a job that has not reached a terminal state.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.NotFoundf("job %s not found", id)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4, $2)
	`, id, models.StatusCancelled, models.StatusSucceeded, models.StatusDeadLetter)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if tag.RowsAffected() == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is already %s", id, job.Status)
	}
	return nil
}

// UpdateAttempts requeues a job after a failure.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status <> $6
	`, id, models.StatusQueued, attempts, nextRun, lastErr, models.StatusCancelled)
	return s.checkTransition(ctx, id, tag, err)
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return apperrors.MapDBError(err)
}

// AuditTrail lists the audit rows of a job, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id::text, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", apperrors.MapDBError(err))
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var l models.AuditLog
		err := row.Scan(&l.JobID, &l.Event, &l.Detail, &l.Recorded)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit: %w", apperrors.MapDBError(err))
	}
	return logs, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
