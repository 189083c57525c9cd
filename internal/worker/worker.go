// Package worker claims queued import jobs and runs them.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/trackbridge/internal/types"
)

const (
	// DefaultPollInterval is the default interval between claim attempts.
	DefaultPollInterval = 5 * time.Second
	// DefaultConcurrency is how many jobs run at once by default.
	DefaultConcurrency = 1
)

// JobQueue is the job persistence the worker needs. *sqlstore.Store
// implements it.
type JobQueue interface {
	// ClaimNextJob atomically takes the oldest queued job, or returns nil.
	ClaimNextJob(ctx context.Context) (*types.ImportJob, error)
	UpdateJobStatus(ctx context.Context, id string, status types.JobStatus, errMsg string) error
}

// Runner runs one job to completion. *step.Engine implements it.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// RunnerFactory builds the runner for a claimed job. Import steps need the
// job's credentials, so the runner is built per job.
type RunnerFactory func(ctx context.Context, job *types.ImportJob) (Runner, error)

// Config holds the worker configuration.
type Config struct {
	// PollInterval is how often an idle worker looks for jobs.
	PollInterval time.Duration
	// Concurrency is the number of jobs run at once.
	Concurrency int
	Logger      *slog.Logger
}

// Worker polls for queued jobs.
type Worker struct {
	jobs    JobQueue
	factory RunnerFactory
	config  Config
	logger  *slog.Logger
}

// New creates a worker.
func New(jobs JobQueue, factory RunnerFactory, config Config) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Worker{jobs: jobs, factory: factory, config: config, logger: config.Logger}
}

// Start runs the poll loop until ctx is cancelled. Every slot claims and
// runs jobs back to back, then sleeps for the poll interval once the queue
// is empty.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker starting", "interval", w.config.PollInterval, "concurrency", w.config.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < w.config.Concurrency; slot++ {
		g.Go(func() error {
			w.loop(gctx, slot)
			return nil
		})
	}
	_ = g.Wait()
	w.logger.Info("worker shutting down")
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		for {
			claimed, err := w.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("job poll failed", "slot", slot, "error", err)
			}
			if !claimed || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one job and runs it. It reports whether a job was claimed.
// A job whose run is interrupted by shutdown goes back to the queue; its
// checkpoint lets the next worker resume it.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	log := w.logger.With("job_id", job.ID, "source", job.Source, "attempt", job.Attempts)
	log.Info("job claimed")

	runner, err := w.factory(ctx, job)
	if err != nil {
		log.Error("job setup failed", "error", err)
		if uerr := w.jobs.UpdateJobStatus(ctx, job.ID, types.JobError, err.Error()); uerr != nil {
			return true, fmt.Errorf("mark job %s errored: %w", job.ID, uerr)
		}
		return true, nil
	}

	start := time.Now()
	err = runner.Run(ctx, job.ID)
	switch {
	case err == nil:
		log.Info("job done", "duration", time.Since(start))
	case ctx.Err() != nil:
		log.Info("job interrupted, requeueing")
		if uerr := w.jobs.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, types.JobQueued, ""); uerr != nil {
			return true, fmt.Errorf("requeue job %s: %w", job.ID, uerr)
		}
	default:
		// The runner already recorded the failure on the job.
		log.Warn("job failed", "error", err, "duration", time.Since(start))
	}
	return true, nil
}
