// Package executor claims batch jobs and drives them to a terminal
// state. Any executor instance may pick up any claimable job; leases
// arbitrate ownership and the persisted cursor makes takeovers safe.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "log/slog"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/infra/storage"
	"github.com/vietddude/txfees/internal/leasing"
	"github.com/vietddude/txfees/internal/metrics"
	"github.com/vietddude/txfees/internal/tracking"
)

// JobQueue is the advisory wake-up channel for freshly submitted jobs.
// The Redis client satisfies it; a lost entry only delays a job until
// the next periodic scan of the job store.
type JobQueue interface {
	PopJob(ctx context.Context, timeout time.Duration) (int64, bool, error)
}

// Config holds executor tuning parameters.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	SubBatchSize uint64        `yaml:"sub_batch_size"`
	ClaimLimit   int           `yaml:"claim_limit"`
	MaxRetries   uint64        `yaml:"max_retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		SubBatchSize: 50,
		ClaimLimit:   10,
		MaxRetries:   5,
		RetryBase:    time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SubBatchSize == 0 {
		c.SubBatchSize = d.SubBatchSize
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = d.ClaimLimit
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	return c
}

// Executor polls for claimable jobs and processes them.
type Executor struct {
	jobs        storage.JobRepository
	coordinator *leasing.Coordinator
	processor   *tracking.Processor
	resolver    *Resolver
	queue       JobQueue
	cfg         Config
	log         *logger.Logger
}

func New(
	jobs storage.JobRepository,
	coordinator *leasing.Coordinator,
	processor *tracking.Processor,
	resolver *Resolver,
	queue JobQueue,
	cfg Config,
) *Executor {
	return &Executor{
		jobs:        jobs,
		coordinator: coordinator,
		processor:   processor,
		resolver:    resolver,
		queue:       queue,
		cfg:         cfg.withDefaults(),
		log:         logger.Default(),
	}
}

// Run blocks until ctx is cancelled. Each cycle waits for a queue
// wake-up (or the poll interval) and then sweeps the claimable jobs,
// so jobs survive lost queue entries and executor restarts.
func (e *Executor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wakeID := e.waitForWork(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.sweep(ctx, wakeID)
	}
}

// waitForWork blocks on the queue (or the poll interval) and returns the
// job id of a wake-up, or 0 when the cycle is a plain periodic sweep.
func (e *Executor) waitForWork(ctx context.Context) int64 {
	if e.queue == nil {
		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.PollInterval):
		}
		return 0
	}
	id, ok, err := e.queue.PopJob(ctx, e.cfg.PollInterval)
	if err != nil && ctx.Err() == nil {
		e.log.Warn("job queue poll failed", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.PollInterval):
		}
		return 0
	}
	if !ok {
		return 0
	}
	return id
}

// sweep claims and runs every claimable job it can get a lease on. The
// woken job goes first, even when the claimable page missed it.
func (e *Executor) sweep(ctx context.Context, wakeID int64) {
	jobs, err := e.jobs.ListClaimable(ctx, e.cfg.ClaimLimit)
	if err != nil {
		e.log.Error("listing claimable jobs failed", "error", err)
		return
	}
	if wakeID != 0 {
		jobs = e.prioritize(ctx, jobs, wakeID)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		claimed, err := e.claim(ctx, job)
		if err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				e.log.Warn("job claim failed", "job", job.ID, "error", err)
			}
			continue
		}
		if !claimed {
			continue
		}
		e.runJob(ctx, job.ID)
	}
}

// prioritize moves the woken job to the front of the sweep, loading it
// when the claimable page did not include it.
func (e *Executor) prioritize(ctx context.Context, jobs []*domain.BatchJob, wakeID int64) []*domain.BatchJob {
	for i, job := range jobs {
		if job.ID == wakeID {
			jobs[0], jobs[i] = jobs[i], jobs[0]
			return jobs
		}
	}
	job, err := e.jobs.Get(ctx, wakeID)
	if err != nil || job == nil || job.Status.IsTerminal() {
		return jobs
	}
	return append([]*domain.BatchJob{job}, jobs...)
}

// claim takes the job lease and, for pending jobs, wins the
// pending -> running transition. A running job with a lapsed lease is
// reclaimed by lease alone and resumes from its cursor.
func (e *Executor) claim(ctx context.Context, job *domain.BatchJob) (bool, error) {
	if err := e.coordinator.TryClaim(ctx, job.ID); err != nil {
		return false, err
	}

	if job.Status == domain.JobStatusPending {
		won, err := e.jobs.MarkRunning(ctx, job.ID)
		if err != nil {
			e.coordinator.Release(ctx, job.ID)
			return false, fmt.Errorf("mark running: %w", err)
		}
		if !won {
			// Someone else moved it past pending; re-read and keep the
			// lease only if the job is still live.
			current, err := e.jobs.Get(ctx, job.ID)
			if err != nil || current == nil || current.Status != domain.JobStatusRunning {
				e.coordinator.Release(ctx, job.ID)
				return false, err
			}
		}
		metrics.JobTransitions.WithLabelValues(string(domain.JobStatusRunning)).Inc()
	}
	return true, nil
}

// runJob drives one leased job as far as it can: resolve the range,
// process sub-batches with checkpoints, and settle the terminal state.
// On transient exhaustion the job is left running for a later takeover.
func (e *Executor) runJob(ctx context.Context, jobID int64) {
	jobCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer e.coordinator.Release(context.WithoutCancel(ctx), jobID)

	lost := e.coordinator.KeepAlive(jobCtx, jobID)

	err := e.execute(jobCtx, jobID, lost)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		e.log.Info("job interrupted by shutdown", "job", jobID)
	case errors.Is(err, domain.ErrConflict):
		e.log.Warn("job lease lost mid-run", "job", jobID)
	case errors.Is(err, domain.ErrUnrecoverable) || errors.Is(err, domain.ErrNotFound):
		e.fail(ctx, jobID, err)
	default:
		// Transient errors exhausted their retries. The cursor is
		// durable, so the job stays running and any worker resumes it
		// once the lease lapses.
		e.log.Warn("job suspended after transient failures", "job", jobID, "error", err)
	}
}

func (e *Executor) execute(ctx context.Context, jobID int64, lost <-chan struct{}) error {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: load job: %v", domain.ErrTransient, err)
	}
	if job == nil {
		return fmt.Errorf("job %d missing: %w", jobID, domain.ErrUnrecoverable)
	}

	if !job.Resolved() {
		if err := e.resolveJob(ctx, job); err != nil {
			return err
		}
	}

	start, end := job.ResumeBlock(), *job.EndBlock
	for from := start; from <= end; from = from + e.cfg.SubBatchSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return fmt.Errorf("lease lost during job %d: %w", jobID, domain.ErrConflict)
		default:
		}

		to := from + e.cfg.SubBatchSize - 1
		if to > end {
			to = end
		}

		if err := e.processBatch(ctx, jobID, from, to); err != nil {
			return err
		}
		if _, err := e.jobs.AdvanceCursor(ctx, jobID, to); err != nil {
			return fmt.Errorf("%w: checkpoint job %d at %d: %v", domain.ErrTransient, jobID, to, err)
		}
	}

	done, err := e.jobs.MarkCompleted(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: complete job %d: %v", domain.ErrTransient, jobID, err)
	}
	if done {
		metrics.JobTransitions.WithLabelValues(string(domain.JobStatusCompleted)).Inc()
		e.log.Info("job completed", "job", jobID, "start_block", start, "end_block", end)
	}
	return nil
}

// resolveJob pins the block range exactly once. Losing the conditional
// write means another worker resolved it first; their bounds win.
func (e *Executor) resolveJob(ctx context.Context, job *domain.BatchJob) error {
	startBlock, endBlock, err := e.resolver.ResolveRange(ctx, job.StartTime, job.EndTime)
	if err != nil {
		return fmt.Errorf("resolve job %d window: %w", job.ID, err)
	}

	won, err := e.jobs.ResolveRange(ctx, job.ID, startBlock, endBlock)
	if err != nil {
		return fmt.Errorf("%w: persist job %d range: %v", domain.ErrTransient, job.ID, err)
	}
	if !won {
		current, err := e.jobs.Get(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("%w: reload job %d: %v", domain.ErrTransient, job.ID, err)
		}
		if current == nil || !current.Resolved() {
			return fmt.Errorf("job %d range lost: %w", job.ID, domain.ErrConflict)
		}
		*job = *current
		return nil
	}

	job.StartBlock = &startBlock
	job.EndBlock = &endBlock
	e.log.Info("job range resolved",
		"job", job.ID, "start_block", startBlock, "end_block", endBlock)
	return nil
}

// processBatch runs one sub-batch with bounded exponential backoff on
// transient and rate-limited failures.
func (e *Executor) processBatch(ctx context.Context, jobID int64, from, to uint64) error {
	backoff := retry.WithMaxRetries(e.cfg.MaxRetries, retry.NewExponential(e.cfg.RetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := e.processor.ProcessRange(ctx, from, to, "backfill")
		if err == nil {
			return nil
		}
		if domain.IsRetryable(err) {
			e.log.Warn("sub-batch retry",
				"job", jobID, "from", from, "to", to, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Executor) fail(ctx context.Context, jobID int64, cause error) {
	done, err := e.jobs.MarkFailed(context.WithoutCancel(ctx), jobID, cause.Error())
	if err != nil {
		e.log.Error("marking job failed errored", "job", jobID, "error", err)
		return
	}
	if done {
		metrics.JobTransitions.WithLabelValues(string(domain.JobStatusFailed)).Inc()
		e.log.Error("job failed", "job", jobID, "reason", cause)
	}
}
