package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/ports/adapter"
)

var (
	_ adapter.Locker      = (*Locker)(nil)
	_ adapter.RateLimiter = (*RateLimiter)(nil)
)

type lease struct {
	token   string
	expires time.Time
}

// Locker is the single-process stand-in for the Redis lock.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	clock
}

func NewLocker(opts ...Option) *Locker {
	return &Locker{leases: make(map[string]lease), clock: newClock(opts)}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return "", domain.ErrLockHeld
	}
	token := uuid.NewString()
	l.leases[key] = lease{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (l *Locker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}

type window struct {
	count   int
	expires time.Time
}

// RateLimiter is a fixed-window counter matching the Redis INCR+EXPIRE limiter.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	clock
}

func NewRateLimiter(opts ...Option) *RateLimiter {
	return &RateLimiter{windows: make(map[string]window), clock: newClock(opts)}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, d time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	w := r.windows[key]
	if !now.Before(w.expires) {
		w = window{expires: now.Add(d)}
	}
	w.count++
	r.windows[key] = w
	return w.count <= limit, nil
}
