package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"video-download-service/internal/apperrors"
	"video-download-service/internal/config"
	"video-download-service/internal/models"
	"video-download-service/internal/telemetry"
)

type jobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	SetWorkerID(ctx context.Context, id, workerID string) error
	MarkSuccess(ctx context.Context, id string, result json.RawMessage) error
	MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

type jobQueue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error
	DLQPush(ctx context.Context, jobID string) error
	VisibilityTimeout() time.Duration
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    jobQueue
	store    jobStore
	handlers map[string]Handler
	workerID string
	log      zerolog.Logger
}

// Handler executes a job for a given type. The returned value is stored as
// the job result in JSON form.
type Handler func(ctx context.Context, job models.Job) (any, error)

// NewProcessor creates a processor with a worker ID for tracking.
func NewProcessor(cfg config.Config, q jobQueue, st jobStore, logger zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		workerID: cfg.WorkerID,
		log:      logger.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Logger(),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info().Int("handlers", len(p.handlers)).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		processed, err := p.processNext(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("dequeue failed")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// housekeeping promotes due retries and reclaims expired leases.
func (p *Processor) housekeeping(ctx context.Context) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Debug().Err(err).Msg("promote scheduled")
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		p.log.Debug().Err(err).Msg("requeue expired")
	}
	for _, id := range reclaimed {
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			continue
		}
		p.log.Warn().Str("job_id", id).Msg("lease expired, job requeued")
		_ = p.store.UpdateJobStatus(ctx, id, models.StatusQueued, job.Attempts, now, job.LastError)
		_ = p.store.AppendAudit(ctx, id, "lease_expired", "requeued after visibility timeout")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// processNext leases and runs at most one job. It reports whether a job was taken.
func (p *Processor) processNext(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.log.Error().Err(err).Str("job_id", jobID).Msg("load leased job")
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}
	if job.Status == models.StatusCancelled {
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}

	log := p.log.With().Str("job_id", job.ID).Str("type", job.Type).Int("attempt", job.Attempts+1).Logger()
	if err := p.store.UpdateJobStatus(ctx, job.ID, models.StatusInProgress, job.Attempts, job.NextRunAt, nil); errors.Is(err, models.ErrJobCancelled) {
		p.cancelled(ctx, log, job.ID)
		return true, nil
	}
	if p.workerID != "" {
		_ = p.store.SetWorkerID(ctx, job.ID, p.workerID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log.Info().Msg("job started")
	result, err := p.runJob(ctx, job)
	if err == nil {
		err = p.succeed(ctx, job, result)
	}
	if err == nil {
		log.Info().Msg("job succeeded")
		telemetry.WorkerSuccess.Inc()
		return true, nil
	}
	if errors.Is(err, models.ErrJobCancelled) {
		p.cancelled(ctx, log, job.ID)
		return true, nil
	}

	attempts := job.Attempts + 1
	if apperrors.Is(err, apperrors.CodeValidation) || attempts >= job.MaxAttempts {
		if errors.Is(p.store.MarkDeadLetter(ctx, job.ID, attempts, err.Error()), models.ErrJobCancelled) {
			p.cancelled(ctx, log, job.ID)
			return true, nil
		}
		log.Error().Err(err).Msg("job dead-lettered")
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.Inc()
		return true, nil
	}

	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if errors.Is(p.store.UpdateAttempts(ctx, job.ID, attempts, nextRun, err.Error()), models.ErrJobCancelled) {
		p.cancelled(ctx, log, job.ID)
		return true, nil
	}
	log.Warn().Err(err).Time("next_run", nextRun).Msg("job failed, retry scheduled")
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, job.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
	return true, nil
}

// cancelled drops a job that was cancelled after it was leased. The row keeps
// its cancelled status.
func (p *Processor) cancelled(ctx context.Context, log zerolog.Logger, jobID string) {
	log.Info().Msg("job cancelled, dropping lease")
	_ = p.queue.Ack(ctx, jobID)
}

func (p *Processor) succeed(ctx context.Context, job models.Job, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := p.store.MarkSuccess(ctx, job.ID, raw); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.store.AppendAudit(ctx, job.ID, "succeeded", "worker completed job")
	return nil
}

// runJob executes the handler while a heartbeat keeps the lease alive.
func (p *Processor) runJob(ctx context.Context, job models.Job) (any, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return nil, apperrors.Validation("type", fmt.Sprintf("no handler registered for type %q", job.Type))
	}

	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.keepLease(hbCtx, job.ID)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	return handler(ctx, job)
}

func (p *Processor) keepLease(ctx context.Context, jobID string) {
	visibility := p.queue.VisibilityTimeout()
	if visibility <= 0 {
		return
	}
	ticker := time.NewTicker(visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, visibility); err != nil {
				p.log.Warn().Err(err).Str("job_id", jobID).Msg("extend lease")
			}
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	wait := max
	if exp := float64(base) * math.Pow(2, float64(attempt-1)); exp < float64(max) {
		wait = time.Duration(exp)
	}
	// rand.Int63n panics on n <= 0.
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
