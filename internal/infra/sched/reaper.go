package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hydration-queue/internal/infra/logging"
	"hydration-queue/internal/usecase"
)

// Reaper periodically runs the maintenance sweep over the job store.
type Reaper struct {
	interval time.Duration
	uc       usecase.MaintenanceUseCase
	log      *zerolog.Logger
}

func NewReaper(interval time.Duration, uc usecase.MaintenanceUseCase, logger *zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{
		interval: interval,
		uc:       uc,
		log:      logging.Component(logger, "Reaper"),
	}
}

// Run sweeps once per interval until ctx is done. The first sweep happens
// after one interval so a restart loop does not hammer the store.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Msg("Starting reaper")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Stopping reaper")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.uc.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("reaper sweep failed")
			}
		}
	}
}
