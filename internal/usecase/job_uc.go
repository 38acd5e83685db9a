package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
	"hydration-queue/internal/domain/ports/repository"
	"hydration-queue/internal/infra/logging"
	"hydration-queue/internal/infra/metrics"
)

// JobUseCase backs the Intake and Status endpoints.
type JobUseCase interface {
	// Submit validates, checks the daily quota, persists a pending job and
	// charges the quota. It never waits for the analysis.
	Submit(ctx context.Context, owner string, kind model.JobKind, payload []byte) (*model.Job, error)
	// Status returns domain.ErrNotFound when the job belongs to someone else.
	Status(ctx context.Context, owner, id string) (*model.Job, error)
}

// IntakeLimits bounds what a single Submit may carry.
type IntakeLimits struct {
	MaxAttempts     int
	MaxPayloadBytes int
	BurstLimit      int // per user and kind within BurstWindow, 0 disables
	BurstWindow     time.Duration
}

var _ JobUseCase = (*jobUC)(nil)

type jobUC struct {
	jobs     repository.JobRepository
	quota    QuotaUseCase
	handlers JobHandlers
	limiter  adapter.RateLimiter
	limits   IntakeLimits
	log      *zerolog.Logger
}

// NewJobUseCase constructs the intake use case. limiter may be nil.
func NewJobUseCase(
	jobs repository.JobRepository,
	quota QuotaUseCase,
	handlers JobHandlers,
	limiter adapter.RateLimiter,
	limits IntakeLimits,
	logger *zerolog.Logger,
) JobUseCase {
	return &jobUC{
		jobs:     jobs,
		quota:    quota,
		handlers: handlers,
		limiter:  limiter,
		limits:   limits,
		log:      logging.Component(logger, "JobUC"),
	}
}

func (u *jobUC) Submit(ctx context.Context, owner string, kind model.JobKind, payload []byte) (*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUC.Submit")()

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, domain.NewValidationError("owner", "must not be empty")
	}
	kind, err := model.ParseJobKind(string(kind))
	if err != nil {
		return nil, domain.NewValidationError("kind", err.Error())
	}
	if len(payload) == 0 {
		return nil, domain.NewValidationError("payload", "must not be empty")
	}
	if u.limits.MaxPayloadBytes > 0 && len(payload) > u.limits.MaxPayloadBytes {
		return nil, domain.NewValidationError("payload", fmt.Sprintf("exceeds %d bytes", u.limits.MaxPayloadBytes))
	}
	if err := u.handlers.Validate(kind, payload); err != nil {
		return nil, err
	}

	if u.limiter != nil && u.limits.BurstLimit > 0 {
		ok, err := u.limiter.Allow(ctx, burstKey(owner, kind), u.limits.BurstLimit, u.limits.BurstWindow)
		if err != nil {
			// the limiter is advisory; intake keeps working without it
			u.log.Warn().Err(err).Str("user_id", owner).Msg("burst limiter unavailable")
		} else if !ok {
			metrics.IncIntakeRateLimited()
			return nil, domain.ErrRateLimited
		}
	}

	action := kind.ActionType()
	st, err := u.quota.CheckAndReset(ctx, owner, action)
	if err != nil {
		return nil, err
	}
	if !st.Allowed {
		metrics.IncQuotaRejected(string(action))
		return nil, &domain.QuotaExceededError{
			Action:    string(action),
			Current:   st.Current,
			Limit:     st.Limit,
			ResetHint: st.ResetHint,
		}
	}

	job, err := model.NewJob(owner, kind, payload, u.limits.MaxAttempts)
	if err != nil {
		return nil, err
	}
	if err := u.jobs.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	metrics.IncJobEnqueued(string(kind))

	if err := u.quota.Increment(ctx, owner, action); err != nil {
		u.log.Error().Err(err).Str("user_id", owner).Str("job_id", job.ID).Msg("failed to charge quota")
	}

	u.log.Info().Str("user_id", owner).Str("job_id", job.ID).Str("kind", string(kind)).Msg("job enqueued")
	return job, nil
}

func (u *jobUC) Status(ctx context.Context, owner, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.NewValidationError("id", "must not be empty")
	}
	return u.jobs.Get(ctx, id, owner)
}

func burstKey(owner string, kind model.JobKind) string {
	return fmt.Sprintf("rate_limit:intake:%s:%s", owner, kind)
}
