package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a job's payload. A returned error schedules a retry.
type JobHandler func(ctx context.Context, payload string) error

const (
	defaultJobPollInterval = 10 * time.Second
	defaultStaleThreshold  = 5 * time.Minute
	defaultClaimLimit      = 10
	baseRetryBackoff       = 30 * time.Second
	maxRetryBackoff        = 30 * time.Minute
)

// JobRunner periodically claims due jobs and dispatches them to handlers by kind.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// NewJobRunner creates a JobRunner. A non-positive pollInterval uses the default.
func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = defaultJobPollInterval
	}
	return &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: defaultStaleThreshold,
		claimLimit:     defaultClaimLimit,
		now:            time.Now,
	}
}

// RegisterHandler registers the handler for a job kind, replacing any earlier one.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs left running by a previous process. Call it once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.now().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunDue(ctx)
		}
	}
}

// RunDue claims and executes the jobs due now and returns how many it executed.
func (r *JobRunner) RunDue(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunDue: claim failed", "error", err)
		return 0
	}

	executed := 0
	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.RunDue: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.RunDue: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		executed++
		slog.Debug("JobRunner.RunDue: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := handler(ctx, job.Payload); err != nil {
			slog.Error("JobRunner.RunDue: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
			if err := r.repo.FailJob(ctx, job.ID, err.Error(), now.Add(retryBackoff(job.Attempt))); err != nil {
				slog.Error("JobRunner.RunDue: fail job error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.RunDue: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.RunDue: job completed", "id", job.ID, "kind", job.Kind)
	}
	return executed
}

// retryBackoff doubles from 30s per attempt, capped at 30m.
func retryBackoff(attempt int) time.Duration {
	d := baseRetryBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}
