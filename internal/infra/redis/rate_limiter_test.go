//go:build !integration

package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockCounter struct {
	IncrFunc   func(ctx context.Context, key string) (int64, error)
	ExpireFunc func(ctx context.Context, key string, expiration time.Duration) error
}

func (m *mockCounter) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrFunc(ctx, key)
}

func (m *mockCounter) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return m.ExpireFunc(ctx, key, expiration)
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("should set the window on the first hit and block past the limit", func(t *testing.T) {
		counts := map[string]int64{}
		expired := map[string]time.Duration{}
		rl := NewRateLimiter(&mockCounter{
			IncrFunc: func(ctx context.Context, key string) (int64, error) {
				counts[key]++
				return counts[key], nil
			},
			ExpireFunc: func(ctx context.Context, key string, exp time.Duration) error {
				expired[key] = exp
				return nil
			},
		})

		key := IntakeKey("u1", "image_analysis")
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, key, 3, time.Minute)
			if err != nil || !ok {
				t.Fatalf("hit %d: expected allow, got %v %v", i+1, ok, err)
			}
		}
		ok, _ := rl.Allow(ctx, key, 3, time.Minute)
		if ok {
			t.Error("4th hit must be blocked")
		}
		if expired[key] != time.Minute {
			t.Errorf("expected window to be set once to 1m, got %v", expired[key])
		}
	})

	t.Run("should surface redis errors", func(t *testing.T) {
		boom := errors.New("connection refused")
		rl := NewRateLimiter(&mockCounter{
			IncrFunc: func(ctx context.Context, key string) (int64, error) { return 0, boom },
		})
		if _, err := rl.Allow(ctx, "k", 1, time.Second); !errors.Is(err, boom) {
			t.Errorf("expected redis error, got %v", err)
		}
	})
}
