package adapter

import (
	"context"
	"time"
)

// Locker is a best-effort mutual exclusion across processes.
// TryLock returns domain.ErrLockHeld when someone else owns key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// RateLimiter is a fixed-window counter keyed per caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
