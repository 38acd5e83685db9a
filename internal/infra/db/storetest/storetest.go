// Package storetest holds behaviour tests shared by every JobRepository and
// QuotaRepository backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
)

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// JobFactory builds an empty store that reads time from now.
type JobFactory func(t *testing.T, now func() time.Time) repository.JobRepository

func newJob(t *testing.T, owner string, createdAt time.Time) *model.Job {
	t.Helper()
	j, err := model.NewJob(owner, model.JobKindTextAnalysis, []byte(`{"description":"cup of tea"}`), 3)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	j.CreatedAt = createdAt
	return j
}

func RunJobRepository(t *testing.T, factory JobFactory) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("should claim pending jobs oldest first and count the attempt", func(t *testing.T) {
		clk := NewClock(start)
		repo := factory(t, clk.Now)
		a := newJob(t, "u1", start.Add(-2*time.Second))
		b := newJob(t, "u1", start.Add(-time.Second))
		for _, j := range []*model.Job{b, a} {
			if err := repo.Enqueue(ctx, j); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}

		got, err := repo.ClaimBatch(ctx, 1, time.Time{})
		if err != nil {
			t.Fatalf("ClaimBatch: %v", err)
		}
		if len(got) != 1 || got[0].ID != a.ID {
			t.Fatalf("expected oldest job %s, got %+v", a.ID, got)
		}
		if got[0].Status != model.JobStatusProcessing || got[0].Attempts != 1 || got[0].StartedAt == nil {
			t.Errorf("claimed job not marked: %+v", got[0])
		}
		if !got[0].StartedAt.Equal(start) {
			t.Errorf("expected started_at %v, got %v", start, *got[0].StartedAt)
		}
	})

	t.Run("should not hand a job to two concurrent claimers", func(t *testing.T) {
		clk := NewClock(start)
		repo := factory(t, clk.Now)
		const total = 80
		for i := 0; i < total; i++ {
			if err := repo.Enqueue(ctx, newJob(t, fmt.Sprintf("u%d", i%5), start.Add(time.Duration(i)*time.Millisecond))); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					batch, err := repo.ClaimBatch(ctx, 50, time.Time{})
					if err != nil {
						t.Errorf("ClaimBatch: %v", err)
						return
					}
					if len(batch) == 0 {
						return
					}
					mu.Lock()
					for _, j := range batch {
						seen[j.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != total {
			t.Fatalf("expected %d distinct claims, got %d", total, len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("job %s claimed %d times", id, n)
			}
		}
	})

	t.Run("should retry a failing job until max attempts then stop", func(t *testing.T) {
		clk := NewClock(start)
		repo := factory(t, clk.Now)
		job := newJob(t, "u1", start)
		_ = repo.Enqueue(ctx, job)

		for attempt := 1; attempt <= 3; attempt++ {
			clk.Advance(time.Minute)
			claimed, err := repo.ClaimBatch(ctx, 10, time.Time{})
			if err != nil || len(claimed) != 1 {
				t.Fatalf("attempt %d: claim returned %d jobs, err %v", attempt, len(claimed), err)
			}
			got, err := repo.Fail(ctx, job.ID, attempt, "provider: bad gateway")
			if err != nil {
				t.Fatalf("Fail: %v", err)
			}
			if got.Attempts != attempt {
				t.Errorf("attempt %d: attempts=%d", attempt, got.Attempts)
			}
		}

		final, _ := repo.Get(ctx, job.ID, "u1")
		if final.Status != model.JobStatusError || final.Attempts != 3 || final.CompletedAt == nil {
			t.Fatalf("expected terminal error after 3 attempts, got %+v", final)
		}
		if final.ErrorMessage != "provider: bad gateway" {
			t.Errorf("unexpected message %q", final.ErrorMessage)
		}
		clk.Advance(time.Minute)
		if c, _ := repo.ClaimBatch(ctx, 10, time.Time{}); len(c) != 0 {
			t.Error("errored job must never be claimed again")
		}
	})

	t.Run("should skip jobs started at or after the cycle start", func(t *testing.T) {
		clk := NewClock(start)
		repo := factory(t, clk.Now)
		job := newJob(t, "u1", start)
		_ = repo.Enqueue(ctx, job)

		cycleStart := clk.Now()
		if c, _ := repo.ClaimBatch(ctx, 10, cycleStart); len(c) != 1 {
			t.Fatal("expected the first claim to succeed")
		}
		_, _ = repo.Fail(ctx, job.ID, 1, "transient: timeout")
		if c, _ := repo.ClaimBatch(ctx, 10, cycleStart); len(c) != 0 {
			t.Error("same cycle must not reclaim its own failure")
		}
		clk.Advance(time.Minute)
		if c, _ := repo.ClaimBatch(ctx, 10, clk.Now()); len(c) != 1 {
			t.Error("next cycle must retry the job")
		}
	})

	t.Run("should enforce legal transitions", func(t *testing.T) {
		clk := NewClock(start)
		repo := factory(t, clk.Now)
		job := newJob(t, "u1", start)
		_ = repo.Enqueue(ctx, job)

		if err := repo.Complete(ctx, job.ID, 0, []byte(`{}`)); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("complete from pending: expected ErrInvalidState, got %v", err)
		}
		if _, err := repo.Fail(ctx, job.ID, 0, "x"); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("fail from pending: expected ErrInvalidState, got %v", err)
		}
		if err := repo.Complete(ctx, "nope", 1, nil); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		_, _ = repo.ClaimBatch(ctx, 1, time.Time{})
		if err := repo.Complete(ctx, job.ID, 1, []byte(`{"amount_ml":330}`)); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		got, _ := repo.Get(ctx, job.ID, "u1")
		if got.Status != model.JobStatusComplete || string(got.Result) != `{"amount_ml":330}` || got.ErrorMessage != "" {
			t.Errorf("unexpected completed job %+v", got)
		}
		if err := repo.Complete(ctx, job.ID, 1, nil); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("complete twice: expected ErrInvalidState, got %v", err)
		}
		if _, err := repo.Get(ctx, job.ID, "someone-else"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("foreign owner: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("should reject writes from a superseded claim", func(t *testing.T) {
		clk := NewClock(start)
		repo := factory(t, clk.Now)
		job := newJob(t, "u1", start)
		_ = repo.Enqueue(ctx, job)

		first, _ := repo.ClaimBatch(ctx, 1, time.Time{})
		if len(first) != 1 {
			t.Fatal("expected the first claim to succeed")
		}
		clk.Advance(11 * time.Minute)
		if rep, err := repo.ReclaimStale(ctx, 10*time.Minute); err != nil || rep.Requeued != 1 {
			t.Fatalf("ReclaimStale: %+v, %v", rep, err)
		}
		second, _ := repo.ClaimBatch(ctx, 1, time.Time{})
		if len(second) != 1 || second[0].Attempts != 2 {
			t.Fatalf("expected a second claim at attempt 2, got %+v", second)
		}

		if err := repo.Complete(ctx, job.ID, first[0].Attempts, []byte(`{"late":true}`)); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("late complete: expected ErrInvalidState, got %v", err)
		}
		if _, err := repo.Fail(ctx, job.ID, first[0].Attempts, "provider: late"); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("late fail: expected ErrInvalidState, got %v", err)
		}
		if err := repo.Release(ctx, job.ID, first[0].Attempts); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("late release: expected ErrInvalidState, got %v", err)
		}
		got, _ := repo.Get(ctx, job.ID, "u1")
		if got.Status != model.JobStatusProcessing || got.Attempts != 2 {
			t.Fatalf("second claim disturbed: %+v", got)
		}
		if err := repo.Complete(ctx, job.ID, second[0].Attempts, []byte(`{}`)); err != nil {
			t.Fatalf("Complete by current claim: %v", err)
		}
	})

	t.Run("should release a claim without counting the attempt", func(t *testing.T) {
		clk := NewClock(start)
		repo := factory(t, clk.Now)
		job := newJob(t, "u1", start)
		job.MaxAttempts = 1
		_ = repo.Enqueue(ctx, job)

		claimed, _ := repo.ClaimBatch(ctx, 1, time.Time{})
		if len(claimed) != 1 {
			t.Fatal("expected a claim")
		}
		if err := repo.Release(ctx, job.ID, claimed[0].Attempts); err != nil {
			t.Fatalf("Release: %v", err)
		}
		got, _ := repo.Get(ctx, job.ID, "u1")
		if got.Status != model.JobStatusPending || got.Attempts != 0 || got.StartedAt != nil {
			t.Fatalf("unexpected released job %+v", got)
		}
		if err := repo.Release(ctx, job.ID, 1); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("release from pending: expected ErrInvalidState, got %v", err)
		}
		again, _ := repo.ClaimBatch(ctx, 1, clk.Now())
		if len(again) != 1 || again[0].Attempts != 1 {
			t.Fatalf("released job must be claimable in the same cycle, got %+v", again)
		}
	})

	t.Run("should reclaim abandoned processing jobs", func(t *testing.T) {
		clk := NewClock(start)
		repo := factory(t, clk.Now)
		retryable := newJob(t, "u1", start)
		exhausted := newJob(t, "u1", start.Add(time.Millisecond))
		exhausted.MaxAttempts = 1
		recent := newJob(t, "u1", start.Add(2*time.Millisecond))
		_ = repo.Enqueue(ctx, retryable)
		_ = repo.Enqueue(ctx, exhausted)
		_, _ = repo.ClaimBatch(ctx, 2, time.Time{})

		clk.Advance(11 * time.Minute)
		_ = repo.Enqueue(ctx, recent)
		_, _ = repo.ClaimBatch(ctx, 1, time.Time{})

		rep, err := repo.ReclaimStale(ctx, 10*time.Minute)
		if err != nil {
			t.Fatalf("ReclaimStale: %v", err)
		}
		if rep.Requeued != 1 || rep.Errored != 1 {
			t.Errorf("unexpected report %+v", rep)
		}
		got, _ := repo.Get(ctx, retryable.ID, "u1")
		if got.Status != model.JobStatusPending || got.StartedAt != nil || got.ErrorMessage != model.MsgReclaimedStale {
			t.Errorf("retryable job not reset: %+v", got)
		}
		got, _ = repo.Get(ctx, exhausted.ID, "u1")
		if got.Status != model.JobStatusError || got.ErrorMessage != model.MsgAbandonedAtMaxTries {
			t.Errorf("exhausted job not errored: %+v", got)
		}
		got, _ = repo.Get(ctx, recent.ID, "u1")
		if got.Status != model.JobStatusProcessing {
			t.Errorf("recent job must stay processing, got %s", got.Status)
		}
	})

	t.Run("should purge by status and age", func(t *testing.T) {
		clk := NewClock(start)
		repo := factory(t, clk.Now)
		done := newJob(t, "u1", start)
		failed := newJob(t, "u1", start.Add(time.Millisecond))
		failed.MaxAttempts = 1
		stuck := newJob(t, "u1", start.Add(2*time.Millisecond))
		for _, j := range []*model.Job{done, failed} {
			_ = repo.Enqueue(ctx, j)
		}
		_, _ = repo.ClaimBatch(ctx, 2, time.Time{})
		_ = repo.Complete(ctx, done.ID, 1, []byte(`{}`))
		_, _ = repo.Fail(ctx, failed.ID, 1, "provider: nope")
		_ = repo.Enqueue(ctx, stuck)

		policy := repository.PurgePolicy{
			CompletedOlderThan: time.Hour,
			ErroredOlderThan:   3 * time.Hour,
			PendingOlderThan:   3 * time.Hour,
		}

		clk.Advance(61 * time.Minute)
		rep, err := repo.PurgeTerminal(ctx, policy)
		if err != nil {
			t.Fatalf("PurgeTerminal: %v", err)
		}
		if rep.Completed != 1 || rep.Errored != 0 || rep.Pending != 0 {
			t.Errorf("after 61m: unexpected report %+v", rep)
		}

		clk.Advance(2 * time.Hour)
		rep, _ = repo.PurgeTerminal(ctx, policy)
		if rep.Errored != 1 || rep.Pending != 1 {
			t.Errorf("after 3h1m: unexpected report %+v", rep)
		}
		if _, err := repo.Get(ctx, stuck.ID, "u1"); !errors.Is(err, domain.ErrNotFound) {
			t.Error("pending job older than retention must be gone")
		}

		rep, _ = repo.PurgeTerminal(ctx, policy)
		if rep != (repository.PurgeReport{}) {
			t.Errorf("empty store should purge nothing, got %+v", rep)
		}
		if err := repo.Compact(ctx); err != nil {
			t.Errorf("Compact: %v", err)
		}
	})
}

func RunQuotaRepository(t *testing.T, factory func(t *testing.T) repository.QuotaRepository) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC)

	t.Run("should create a row once and keep counters", func(t *testing.T) {
		repo := factory(t)
		q, err := repo.GetOrCreate(ctx, "u1", "UTC", now)
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if q.LastResetDate != "2024-05-01" || q.Timezone != "UTC" {
			t.Errorf("unexpected fresh row %+v", q)
		}
		for i := 1; i <= 3; i++ {
			if n, err := repo.Increment(ctx, "u1", model.ActionBarcodeScans); err != nil || n != i {
				t.Fatalf("Increment #%d = %d, %v", i, n, err)
			}
		}
		q, _ = repo.GetOrCreate(ctx, "u1", "Asia/Tokyo", now)
		if q.Counts[model.ActionBarcodeScans] != 3 || q.Timezone != "UTC" {
			t.Errorf("existing row must be returned unchanged, got %+v", q)
		}
	})

	t.Run("should reset every counter once per new date", func(t *testing.T) {
		repo := factory(t)
		_, _ = repo.GetOrCreate(ctx, "u1", "UTC", now)
		_, _ = repo.Increment(ctx, "u1", model.ActionImageUploads)
		_, _ = repo.Increment(ctx, "u1", model.ActionTextAnalyses)

		if reset, _ := repo.ResetIfStale(ctx, "u1", "2024-05-01"); reset {
			t.Error("same date must not reset")
		}
		if reset, _ := repo.ResetIfStale(ctx, "u1", "2024-05-02"); !reset {
			t.Error("new date must reset")
		}
		if reset, _ := repo.ResetIfStale(ctx, "u1", "2024-05-02"); reset {
			t.Error("second reset on the same date must be a no-op")
		}
		q, _ := repo.GetOrCreate(ctx, "u1", "UTC", now)
		for _, a := range model.AllActionTypes() {
			if q.Counts[a] != 0 {
				t.Errorf("%s not reset: %d", a, q.Counts[a])
			}
		}
	})

	t.Run("should update timezone and reject unknown actions", func(t *testing.T) {
		repo := factory(t)
		if err := repo.SetTimezone(ctx, "ghost", "UTC"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing row, got %v", err)
		}
		_, _ = repo.GetOrCreate(ctx, "u1", "UTC", now)
		if err := repo.SetTimezone(ctx, "u1", "America/New_York"); err != nil {
			t.Fatalf("SetTimezone: %v", err)
		}
		q, _ := repo.GetOrCreate(ctx, "u1", "UTC", now)
		if q.Timezone != "America/New_York" {
			t.Errorf("timezone not stored, got %s", q.Timezone)
		}
		if _, err := repo.Increment(ctx, "u1", "bogus"); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})
}
