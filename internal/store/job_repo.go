package store

import (
	"context"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts is the number of executions a job gets before it is marked failed.
const DefaultJobMaxAttempts = 3

// Job is a durable unit of deferred chat work, such as a reminder or a message retry.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	Payload     string     `json:"payload"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the job will never run again.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// JobRepo persists jobs for the JobRunner.
type JobRepo interface {
	// EnqueueJob inserts a queued job. When dedupeKey is set and a live job
	// (queued or running) already holds it, the existing id is returned instead.
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payload string, dedupeKey string) (string, error)

	// ClaimDueJobs moves up to limit queued jobs with run_at <= now to running and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	CompleteJob(ctx context.Context, id string) error

	// FailJob records errMsg and requeues the job at nextRunAt, or marks it
	// failed once its attempts are used up.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error

	CancelJob(ctx context.Context, id string) error

	// CancelQueuedJobs cancels every queued job whose dedupe key starts with prefix.
	CancelQueuedJobs(ctx context.Context, dedupePrefix string) (int, error)

	// RequeueStaleRunningJobs puts jobs locked before staleBefore back in the queue.
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	// GetJob returns the job, or nil when it does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)
}
