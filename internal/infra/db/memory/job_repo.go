// Package memory holds process-local stores for tests and single-process dev runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*JobRepo)(nil)

// Option configures a memory store.
type Option func(*clock)

type clock struct{ now func() time.Time }

// WithClock replaces time.Now, e.g. to age jobs in tests.
func WithClock(now func() time.Time) Option {
	return func(c *clock) { c.now = now }
}

func newClock(opts []Option) clock {
	c := clock{now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// JobRepo keeps jobs in a map guarded by one mutex; a claim holds the lock
// for the whole select-and-mark so concurrent claimers never overlap.
type JobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	clock
}

func NewJobRepo(opts ...Option) *JobRepo {
	return &JobRepo{jobs: make(map[string]*model.Job), clock: newClock(opts)}
}

func (r *JobRepo) Enqueue(ctx context.Context, job *model.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return domain.NewValidationError("id", "already exists")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}
	job.Status = model.JobStatusPending
	job.Attempts = 0
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *JobRepo) ClaimBatch(ctx context.Context, limit int, notStartedSince time.Time) ([]*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []*model.Job
	for _, j := range r.jobs {
		if j.Status != model.JobStatusPending {
			continue
		}
		if !notStartedSince.IsZero() && j.StartedAt != nil && !j.StartedAt.Before(notStartedSince) {
			continue
		}
		eligible = append(eligible, j)
	}
	sort.Slice(eligible, func(a, b int) bool { return eligible[a].CreatedAt.Before(eligible[b].CreatedAt) })
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	now := r.now()
	out := make([]*model.Job, 0, len(eligible))
	for _, j := range eligible {
		started := now
		j.Status = model.JobStatusProcessing
		j.StartedAt = &started
		j.Attempts++
		out = append(out, j.Clone())
	}
	return out, nil
}

func (r *JobRepo) Complete(ctx context.Context, id string, attempt int, result []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != model.JobStatusProcessing || j.Attempts != attempt {
		return domain.ErrInvalidState
	}
	now := r.now()
	j.Status = model.JobStatusComplete
	j.Result = append([]byte(nil), result...)
	j.ErrorMessage = ""
	j.CompletedAt = &now
	return nil
}

func (r *JobRepo) Fail(ctx context.Context, id string, attempt int, message string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if j.Status != model.JobStatusProcessing || j.Attempts != attempt {
		return nil, domain.ErrInvalidState
	}
	j.ErrorMessage = message
	if j.CanRetry() {
		j.Status = model.JobStatusPending
	} else {
		now := r.now()
		j.Status = model.JobStatusError
		j.CompletedAt = &now
	}
	return j.Clone(), nil
}

func (r *JobRepo) Release(ctx context.Context, id string, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != model.JobStatusProcessing || j.Attempts != attempt {
		return domain.ErrInvalidState
	}
	j.Status = model.JobStatusPending
	j.StartedAt = nil
	j.Attempts--
	return nil
}

func (r *JobRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) (repository.ReclaimReport, error) {
	var rep repository.ReclaimReport
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-olderThan)
	for _, j := range r.jobs {
		if j.Status != model.JobStatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		if j.CanRetry() {
			j.Status = model.JobStatusPending
			j.StartedAt = nil
			j.ErrorMessage = model.MsgReclaimedStale
			rep.Requeued++
			continue
		}
		completed := now
		j.Status = model.JobStatusError
		j.ErrorMessage = model.MsgAbandonedAtMaxTries
		j.CompletedAt = &completed
		rep.Errored++
	}
	return rep, nil
}

func (r *JobRepo) PurgeTerminal(ctx context.Context, policy repository.PurgePolicy) (repository.PurgeReport, error) {
	var rep repository.PurgeReport
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	older := func(t *time.Time, age time.Duration) bool {
		return age > 0 && t != nil && t.Before(now.Add(-age))
	}
	for id, j := range r.jobs {
		switch j.Status {
		case model.JobStatusComplete:
			if older(j.CompletedAt, policy.CompletedOlderThan) {
				delete(r.jobs, id)
				rep.Completed++
			}
		case model.JobStatusError:
			ts := j.CompletedAt
			if ts == nil {
				ts = &j.CreatedAt
			}
			if older(ts, policy.ErroredOlderThan) {
				delete(r.jobs, id)
				rep.Errored++
			}
		case model.JobStatusPending:
			if older(&j.CreatedAt, policy.PendingOlderThan) {
				delete(r.jobs, id)
				rep.Pending++
			}
		}
	}
	return rep, nil
}

func (r *JobRepo) Get(ctx context.Context, id, owner string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Owner != owner {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (r *JobRepo) Compact(ctx context.Context) error { return ctx.Err() }

func (r *JobRepo) Ping(ctx context.Context) error { return ctx.Err() }

// Len is the number of stored jobs, for tests and the health endpoint.
func (r *JobRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
