package admission

import (
	"sync"
	"time"
)

// breaker counts provider failures in a rolling window. Reaching the
// threshold opens it for cooldown; afterwards it closes with a clean slate
// and the next call is let through.
type breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration

	failures []time.Time
	open     bool
	openedAt time.Time
}

func newBreaker(threshold int, window, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, window: window, cooldown: cooldown}
}

// allow reports whether a call may proceed and, if not, how long until it may.
func (b *breaker) allow(now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0, true
	}
	reopen := b.openedAt.Add(b.cooldown)
	if !now.Before(reopen) {
		b.open = false
		b.failures = b.failures[:0]
		return 0, true
	}
	return reopen.Sub(now), false
}

// recordFailure returns true when this failure tripped the breaker.
func (b *breaker) recordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return false
	}
	b.prune(now)
	b.failures = append(b.failures, now)
	if len(b.failures) >= b.threshold {
		b.open = true
		b.openedAt = now
		return true
	}
	return false
}

func (b *breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

func (b *breaker) state(now time.Time) (open bool, recent int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open && !now.Before(b.openedAt.Add(b.cooldown)) {
		return false, 0
	}
	b.prune(now)
	return b.open, len(b.failures)
}
