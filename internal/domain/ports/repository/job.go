package repository

import (
	"context"
	"time"

	"hydration-queue/internal/domain/model"
)

// PurgePolicy selects which jobs PurgeTerminal deletes. A zero duration skips that class.
type PurgePolicy struct {
	CompletedOlderThan time.Duration
	ErroredOlderThan   time.Duration
	PendingOlderThan   time.Duration
}

type PurgeReport struct {
	Completed int64
	Errored   int64
	Pending   int64
}

type ReclaimReport struct {
	Requeued int64 // back to pending
	Errored  int64 // stuck at max attempts, forced to error
}

// JobRepository is the Job Store. It is the only owner of job rows; every
// status change goes through one of these methods.
type JobRepository interface {
	Enqueue(ctx context.Context, job *model.Job) error

	// ClaimBatch atomically moves up to limit pending jobs to processing,
	// stamps started_at and counts the attempt. Concurrent callers never
	// receive the same job. Jobs last started at or after notStartedSince are
	// skipped; pass the zero time to claim any pending job.
	ClaimBatch(ctx context.Context, limit int, notStartedSince time.Time) ([]*model.Job, error)

	// Complete, Fail and Release are only legal from processing and only for
	// the claim that counted attempt. A job reclaimed and claimed again since
	// yields domain.ErrInvalidState.
	Complete(ctx context.Context, id string, attempt int, result []byte) error
	// Fail returns the job in its new state.
	Fail(ctx context.Context, id string, attempt int, message string) (*model.Job, error)
	// Release hands an unfinished claim back to pending without counting the attempt.
	Release(ctx context.Context, id string, attempt int) error

	ReclaimStale(ctx context.Context, olderThan time.Duration) (ReclaimReport, error)
	PurgeTerminal(ctx context.Context, policy PurgePolicy) (PurgeReport, error)

	// Get returns domain.ErrNotFound when the job is missing or owned by someone else.
	Get(ctx context.Context, id, owner string) (*model.Job, error)

	Compact(ctx context.Context) error
	Ping(ctx context.Context) error
}
