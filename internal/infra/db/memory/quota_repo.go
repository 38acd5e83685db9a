package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
)

var _ repository.QuotaRepository = (*QuotaRepo)(nil)

type QuotaRepo struct {
	mu   sync.Mutex
	rows map[string]*model.UserQuota
}

func NewQuotaRepo() *QuotaRepo {
	return &QuotaRepo{rows: make(map[string]*model.UserQuota)}
}

func copyQuota(q *model.UserQuota) *model.UserQuota {
	cp := *q
	cp.Counts = make(map[model.ActionType]int, len(q.Counts))
	for k, v := range q.Counts {
		cp.Counts[k] = v
	}
	return &cp
}

func (r *QuotaRepo) GetOrCreate(ctx context.Context, userID, defaultTimezone string, now time.Time) (*model.UserQuota, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rows[userID]
	if !ok {
		q = model.NewUserQuota(userID, defaultTimezone, now)
		r.rows[userID] = q
	}
	return copyQuota(q), nil
}

func (r *QuotaRepo) ResetIfStale(ctx context.Context, userID, date string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rows[userID]
	if !ok || q.LastResetDate == date {
		return false, nil
	}
	q.LastResetDate = date
	q.Counts = make(map[model.ActionType]int, 3)
	return true, nil
}

func (r *QuotaRepo) Increment(ctx context.Context, userID string, action model.ActionType) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !action.Valid() {
		return 0, domain.NewValidationError("action", fmt.Sprintf("unknown action %q", action))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rows[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	q.Counts[action]++
	return q.Counts[action], nil
}

func (r *QuotaRepo) SetTimezone(ctx context.Context, userID, timezone string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rows[userID]
	if !ok {
		return domain.ErrNotFound
	}
	q.Timezone = timezone
	return nil
}
