package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
	"hydration-queue/internal/infra/logging"
)

// QuotaUseCase is the Daily Quota Tracker.
type QuotaUseCase interface {
	// CheckAndReset resets the user's counters on the first call of a new
	// local day, then reports whether one more action fits under the limit.
	CheckAndReset(ctx context.Context, userID string, action model.ActionType) (model.QuotaStatus, error)
	Increment(ctx context.Context, userID string, action model.ActionType) error
	SetTimezone(ctx context.Context, userID, timezone string) error
	Usage(ctx context.Context, userID string) ([]model.QuotaStatus, error)
}

var _ QuotaUseCase = (*quotaUC)(nil)

type quotaUC struct {
	repo      repository.QuotaRepository
	limits    map[model.ActionType]int
	defaultTZ string
	now       func() time.Time
	log       *zerolog.Logger
}

// NewQuotaUseCase takes limits keyed by action name. A limit <= 0 disables
// the cap for that action. now may be nil.
func NewQuotaUseCase(repo repository.QuotaRepository, limits map[string]int, defaultTZ string, now func() time.Time, logger *zerolog.Logger) QuotaUseCase {
	if now == nil {
		now = time.Now
	}
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	l := make(map[model.ActionType]int, len(limits))
	for k, v := range limits {
		l[model.ActionType(k)] = v
	}
	return &quotaUC{
		repo:      repo,
		limits:    l,
		defaultTZ: defaultTZ,
		now:       now,
		log:       logging.Component(logger, "QuotaUC"),
	}
}

func (q *quotaUC) status(action model.ActionType, current int, loc *time.Location, now time.Time) model.QuotaStatus {
	limit := q.limits[action]
	return model.QuotaStatus{
		Action:    action,
		Allowed:   limit <= 0 || current < limit,
		Current:   current,
		Limit:     limit,
		ResetHint: model.ResetHint(now, loc),
	}
}

func (q *quotaUC) CheckAndReset(ctx context.Context, userID string, action model.ActionType) (model.QuotaStatus, error) {
	if !action.Valid() {
		return model.QuotaStatus{}, domain.NewValidationError("action", "unknown action type")
	}
	now := q.now()
	row, err := q.repo.GetOrCreate(ctx, userID, q.defaultTZ, now)
	if err != nil {
		return model.QuotaStatus{}, err
	}
	loc := row.Location()
	today := model.LocalDate(now, loc)

	if row.LastResetDate != today {
		reset, err := q.repo.ResetIfStale(ctx, userID, today)
		if err != nil {
			return model.QuotaStatus{}, err
		}
		if reset {
			q.log.Debug().Str("user_id", userID).Str("date", today).Msg("daily quota reset")
		}
		return q.status(action, 0, loc, now), nil
	}
	return q.status(action, row.Counts[action], loc, now), nil
}

func (q *quotaUC) Increment(ctx context.Context, userID string, action model.ActionType) error {
	_, err := q.repo.Increment(ctx, userID, action)
	if errors.Is(err, domain.ErrNotFound) {
		if _, err := q.repo.GetOrCreate(ctx, userID, q.defaultTZ, q.now()); err != nil {
			return err
		}
		_, err = q.repo.Increment(ctx, userID, action)
		return err
	}
	return err
}

func (q *quotaUC) SetTimezone(ctx context.Context, userID, timezone string) error {
	if timezone == "" {
		return domain.NewValidationError("timezone", "must not be empty")
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return domain.NewValidationError("timezone", "unknown IANA timezone")
	}
	if _, err := q.repo.GetOrCreate(ctx, userID, q.defaultTZ, q.now()); err != nil {
		return err
	}
	return q.repo.SetTimezone(ctx, userID, timezone)
}

// Usage reports every action without mutating the row; a stale day reads as zero.
func (q *quotaUC) Usage(ctx context.Context, userID string) ([]model.QuotaStatus, error) {
	now := q.now()
	row, err := q.repo.GetOrCreate(ctx, userID, q.defaultTZ, now)
	if err != nil {
		return nil, err
	}
	loc := row.Location()
	stale := row.LastResetDate != model.LocalDate(now, loc)

	out := make([]model.QuotaStatus, 0, len(model.AllActionTypes()))
	for _, a := range model.AllActionTypes() {
		cur := row.Counts[a]
		if stale {
			cur = 0
		}
		out = append(out, q.status(a, cur, loc, now))
	}
	return out, nil
}
