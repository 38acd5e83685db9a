package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"hydration-queue/internal/config"
	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/ports/adapter"
	"hydration-queue/internal/domain/ports/repository"
	"hydration-queue/internal/infra/logging"
	"hydration-queue/internal/infra/metrics"
)

const reaperLockKey = "lock:reaper"

// SweepReport counts what one reaper pass changed.
type SweepReport struct {
	Skipped         bool          `json:"skipped"`
	PurgedCompleted int64         `json:"purged_completed"`
	PurgedErrored   int64         `json:"purged_errored"`
	Requeued        int64         `json:"requeued"`
	ForcedErrored   int64         `json:"forced_errored"`
	PurgedPending   int64         `json:"purged_pending"`
	Compacted       bool          `json:"compacted"`
	Duration        time.Duration `json:"duration_ns"`
}

// MaintenanceUseCase is the reaper pass over the Job Store.
type MaintenanceUseCase interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

var _ MaintenanceUseCase = (*maintenanceUC)(nil)

type maintenanceUC struct {
	jobs   repository.JobRepository
	locker adapter.Locker
	cfg    config.ReaperConfig
	log    *zerolog.Logger
}

// NewMaintenanceUseCase builds the reaper. locker may be nil for a single runner.
func NewMaintenanceUseCase(jobs repository.JobRepository, locker adapter.Locker, cfg config.ReaperConfig, logger *zerolog.Logger) MaintenanceUseCase {
	return &maintenanceUC{
		jobs:   jobs,
		locker: locker,
		cfg:    cfg,
		log:    logging.Component(logger, "Reaper"),
	}
}

// Sweep runs, in order: purge complete, purge error, reclaim stale, purge
// pending, optional compaction. Finding nothing to do is a success.
func (m *maintenanceUC) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var rep SweepReport

	if m.locker != nil {
		ttl := m.cfg.LockTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		token, err := m.locker.TryLock(ctx, reaperLockKey, ttl)
		if errors.Is(err, domain.ErrLockHeld) {
			m.log.Info().Msg("another reaper pass is running, skipping")
			metrics.IncReaperRun("skipped")
			rep.Skipped = true
			return rep, nil
		}
		if err != nil {
			metrics.IncReaperRun("failed")
			return rep, err
		}
		defer func() {
			if err := m.locker.Unlock(context.WithoutCancel(ctx), reaperLockKey, token); err != nil {
				m.log.Warn().Err(err).Msg("failed to release reaper lock")
			}
		}()
	}

	fail := func(step string, err error) (SweepReport, error) {
		metrics.IncReaperRun("failed")
		m.log.Error().Err(err).Str("step", step).Msg("reaper pass aborted")
		rep.Duration = time.Since(start)
		return rep, err
	}

	terminal, err := m.jobs.PurgeTerminal(ctx, repository.PurgePolicy{
		CompletedOlderThan: m.cfg.CompletedRetention,
		ErroredOlderThan:   m.cfg.ErroredRetention,
	})
	if err != nil {
		return fail("purge_terminal", err)
	}
	rep.PurgedCompleted, rep.PurgedErrored = terminal.Completed, terminal.Errored

	reclaimed, err := m.jobs.ReclaimStale(ctx, m.cfg.StaleAfter)
	if err != nil {
		return fail("reclaim_stale", err)
	}
	rep.Requeued, rep.ForcedErrored = reclaimed.Requeued, reclaimed.Errored

	pending, err := m.jobs.PurgeTerminal(ctx, repository.PurgePolicy{PendingOlderThan: m.cfg.PendingRetention})
	if err != nil {
		return fail("purge_pending", err)
	}
	rep.PurgedPending = pending.Pending

	if m.cfg.Compact {
		if err := m.jobs.Compact(ctx); err != nil {
			// compaction is housekeeping only
			m.log.Warn().Err(err).Msg("compaction failed")
		} else {
			rep.Compacted = true
		}
	}

	rep.Duration = time.Since(start)
	metrics.AddReaped("purged_complete", rep.PurgedCompleted)
	metrics.AddReaped("purged_error", rep.PurgedErrored)
	metrics.AddReaped("reclaimed", rep.Requeued)
	metrics.AddReaped("forced_error", rep.ForcedErrored)
	metrics.AddReaped("purged_pending", rep.PurgedPending)
	metrics.IncReaperRun("ok")

	m.log.Info().
		Int64("purged_complete", rep.PurgedCompleted).
		Int64("purged_error", rep.PurgedErrored).
		Int64("requeued", rep.Requeued).
		Int64("forced_error", rep.ForcedErrored).
		Int64("purged_pending", rep.PurgedPending).
		Bool("compacted", rep.Compacted).
		Dur("duration", rep.Duration).
		Msg("reaper pass finished")
	return rep, nil
}
