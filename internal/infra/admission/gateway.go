// Package admission guards calls to the inference provider with a circuit
// breaker, result caches and in-flight caps. State is per process.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"hydration-queue/internal/config"
	"hydration-queue/internal/domain"
	"hydration-queue/internal/infra/logging"
	"hydration-queue/internal/infra/metrics"
)

// Operation is the guarded provider call. It must honour ctx.
type Operation func(ctx context.Context) ([]byte, error)

// Call identifies one admission request. RequestID and DedupeKey are optional.
type Call struct {
	Owner     string
	RequestID string
	DedupeKey string
}

// Stats is a point-in-time view of the gateway for ops endpoints.
type Stats struct {
	InFlight           int  `json:"in_flight"`
	OwnersInFlight     int  `json:"owners_in_flight"`
	DedupeEntries      int  `json:"dedupe_entries"`
	IdempotencyEntries int  `json:"idempotency_entries"`
	CircuitOpen        bool `json:"circuit_open"`
	RecentFailures     int  `json:"recent_failures"`
}

type Option func(*Gateway)

// WithClock replaces time.Now for cache ages and the breaker.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

type Gateway struct {
	cfg     config.AdmissionConfig
	log     *zerolog.Logger
	now     func() time.Time
	breaker *breaker
	idem    *ttlCache
	dedupe  *ttlCache
	limiter *rate.Limiter
	flight  singleflight.Group

	mu       sync.Mutex
	inFlight int
	perOwner map[string]int
}

// NewGateway fills unset limits with the same defaults config loading uses.
func NewGateway(cfg config.AdmissionConfig, logger *zerolog.Logger, opts ...Option) *Gateway {
	cfg = cfg.WithDefaults()
	g := &Gateway{
		cfg:      cfg,
		log:      logging.Component(logger, "Gateway"),
		now:      time.Now,
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown),
		idem:     newTTLCache(cfg.IdempotencyTTL),
		dedupe:   newTTLCache(cfg.DedupeTTL),
		perOwner: make(map[string]int),
	}
	if cfg.ProviderRPS > 0 {
		burst := int(cfg.ProviderRPS)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.ProviderRPS), burst)
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Execute runs op under admission control: circuit check, idempotent replay,
// dedupe replay, capacity check, bounded execution, then result recording.
func (g *Gateway) Execute(ctx context.Context, call Call, op Operation) ([]byte, error) {
	now := g.now()

	if retry, ok := g.breaker.allow(now); !ok {
		metrics.IncAdmission("circuit_open")
		metrics.SetCircuitOpen(true)
		return nil, &domain.CircuitOpenError{RetryAfter: retry}
	}

	var idemKey string
	if call.RequestID != "" {
		idemKey = hashKey(call.RequestID)
		if v, ok := g.idem.get(idemKey, now); ok {
			metrics.IncCacheRequest("idempotency", "hit")
			metrics.IncAdmission("idempotent_replay")
			return v, nil
		}
		metrics.IncCacheRequest("idempotency", "miss")
	}

	var (
		out []byte
		err error
	)
	if call.DedupeKey != "" {
		out, err = g.executeDeduped(ctx, hashKey(call.DedupeKey), call, op)
	} else {
		out, err = g.run(ctx, call, op)
	}
	if err != nil {
		return nil, err
	}
	if idemKey != "" {
		g.idem.put(idemKey, out, g.now())
	}
	return out, nil
}

// executeDeduped replays a cached result or joins an identical call already
// in flight, so one dedupe key reaches the provider at most once per TTL.
func (g *Gateway) executeDeduped(ctx context.Context, key string, call Call, op Operation) ([]byte, error) {
	if v, ok := g.dedupe.get(key, g.now()); ok {
		metrics.IncCacheRequest("dedupe", "hit")
		metrics.IncAdmission("dedupe_replay")
		return v, nil
	}
	metrics.IncCacheRequest("dedupe", "miss")

	ch := g.flight.DoChan(key, func() (interface{}, error) {
		out, err := g.run(ctx, call, op)
		if err == nil {
			g.dedupe.put(key, out, g.now())
		}
		return out, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			metrics.IncAdmission("dedupe_replay")
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run holds the in-flight slot until op returns, even after a timeout has
// already answered the caller, so an op that ignores ctx still counts
// against the caps.
func (g *Gateway) run(ctx context.Context, call Call, op Operation) ([]byte, error) {
	if !g.acquire(call.Owner) {
		metrics.IncAdmission("capacity")
		return nil, domain.ErrCapacityExceeded
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(cctx); err != nil {
			g.release(call.Owner)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.IncAdmission("timeout")
			return nil, domain.ErrTimeout
		}
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r = result{err: fmt.Errorf("operation panicked: %v", p)}
			}
			g.release(call.Owner)
			done <- r
		}()
		r.out, r.err = op(cctx)
	}()

	select {
	case r := <-done:
		if r.err == nil {
			metrics.IncAdmission("executed")
			return r.out, nil
		}
		if cctx.Err() != nil && ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) {
			metrics.IncAdmission("timeout")
			return nil, domain.ErrTimeout
		}
		if domain.Transient(r.err) || ctx.Err() != nil {
			return nil, r.err
		}
		g.recordFailure(call, r.err)
		var pe *domain.ProviderError
		if errors.As(r.err, &pe) {
			return nil, r.err
		}
		return nil, &domain.ProviderError{Err: r.err}
	case <-cctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.IncAdmission("timeout")
		return nil, domain.ErrTimeout
	}
}

func (g *Gateway) recordFailure(call Call, err error) {
	metrics.IncAdmission("provider_error")
	if g.breaker.recordFailure(g.now()) {
		metrics.SetCircuitOpen(true)
		g.log.Warn().Err(err).Str("owner", call.Owner).
			Dur("cooldown", g.cfg.BreakerCooldown).Msg("circuit opened")
	}
}

func (g *Gateway) acquire(owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.cfg.GlobalMaxInFlight || g.perOwner[owner] >= g.cfg.PerUserMaxInFlight {
		return false
	}
	g.inFlight++
	g.perOwner[owner]++
	metrics.SetInFlight(g.inFlight)
	return true
}

func (g *Gateway) release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	if g.perOwner[owner] <= 1 {
		delete(g.perOwner, owner)
	} else {
		g.perOwner[owner]--
	}
	metrics.SetInFlight(g.inFlight)
}

// Sweep evicts expired cache entries and returns how many were removed.
func (g *Gateway) Sweep() int {
	now := g.now()
	n := g.dedupe.sweep(now) + g.idem.sweep(now)
	open, _ := g.breaker.state(now)
	metrics.SetCircuitOpen(open)
	return n
}

// Run sweeps the caches every SweepInterval until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	g.log.Info().Dur("interval", g.cfg.SweepInterval).Msg("cache sweeper started")
	t := time.NewTicker(g.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			g.log.Info().Msg("cache sweeper stopped")
			return
		case <-t.C:
			if n := g.Sweep(); n > 0 {
				g.log.Debug().Int("evicted", n).Msg("swept admission caches")
			}
		}
	}
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	inFlight, owners := g.inFlight, len(g.perOwner)
	g.mu.Unlock()
	open, recent := g.breaker.state(g.now())
	return Stats{
		InFlight:           inFlight,
		OwnersInFlight:     owners,
		DedupeEntries:      g.dedupe.len(),
		IdempotencyEntries: g.idem.len(),
		CircuitOpen:        open,
		RecentFailures:     recent,
	}
}
