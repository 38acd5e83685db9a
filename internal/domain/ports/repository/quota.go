package repository

import (
	"context"
	"time"

	"hydration-queue/internal/domain/model"
)

type QuotaRepository interface {
	// GetOrCreate returns the user's row, inserting a fresh one when missing.
	GetOrCreate(ctx context.Context, userID, defaultTimezone string, now time.Time) (*model.UserQuota, error)
	// ResetIfStale zeroes every counter and stamps date unless the row is
	// already stamped with it. Reports whether a reset happened.
	ResetIfStale(ctx context.Context, userID, date string) (bool, error)
	Increment(ctx context.Context, userID string, action model.ActionType) (int, error)
	SetTimezone(ctx context.Context, userID, timezone string) error
}
