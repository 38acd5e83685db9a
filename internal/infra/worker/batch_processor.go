package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hydration-queue/internal/config"
	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
	"hydration-queue/internal/infra/admission"
	"hydration-queue/internal/infra/logging"
	"hydration-queue/internal/infra/metrics"
)

const maxMessageLen = 1000

// Admission is the part of admission.Gateway the processor needs.
type Admission interface {
	Execute(ctx context.Context, call admission.Call, op admission.Operation) ([]byte, error)
}

// Runner executes one job and returns its encoded result.
type Runner interface {
	Handle(ctx context.Context, job *model.Job) ([]byte, error)
}

// CycleReport summarises one RunCycle.
type CycleReport struct {
	Skipped   bool          `json:"skipped"`
	Batches   int           `json:"batches"`
	Claimed   int           `json:"claimed"`
	Completed int           `json:"completed"`
	Requeued  int           `json:"requeued"`
	Errored   int           `json:"errored"`
	Released  int           `json:"released"`
	Duration  time.Duration `json:"duration_ns"`
}

type Option func(*BatchProcessor)

// WithClock sets the source of the cycle start time. It must agree with the
// clock the store uses to stamp started_at.
func WithClock(now func() time.Time) Option {
	return func(p *BatchProcessor) { p.now = now }
}

// BatchProcessor drains pending jobs in batches and runs each one through
// the admission gateway.
type BatchProcessor struct {
	jobs     repository.JobRepository
	gate     Admission
	runner   Runner
	cfg      config.QueueConfig
	now      func() time.Time
	log      *zerolog.Logger
	cycleMu  sync.Mutex
	interval time.Duration
}

func NewBatchProcessor(
	jobs repository.JobRepository,
	gate Admission,
	runner Runner,
	cfg config.QueueConfig,
	logger *zerolog.Logger,
	opts ...Option,
) *BatchProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.BatchSize
	}
	p := &BatchProcessor{
		jobs:     jobs,
		gate:     gate,
		runner:   runner,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.Component(logger, "BatchProcessor"),
		interval: cfg.PollInterval,
	}
	if p.interval <= 0 {
		p.interval = time.Minute
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start runs one cycle immediately and then one per poll interval until ctx
// is cancelled. This should be run in a goroutine.
func (p *BatchProcessor) Start(ctx context.Context) {
	p.log.Info().Dur("interval", p.interval).Int("batch_size", p.cfg.BatchSize).Msg("batch processor started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunCycle(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("worker cycle failed")
		}
		select {
		case <-ctx.Done():
			p.log.Info().Msg("batch processor stopping")
			return
		case <-ticker.C:
		}
	}
}

// RunCycle claims and processes batches until no eligible pending job is
// left. Jobs that fail during this cycle are not claimed again by it. A cycle
// already running in this process makes the call return a skipped report.
func (p *BatchProcessor) RunCycle(ctx context.Context) (CycleReport, error) {
	var rep CycleReport
	if !p.cycleMu.TryLock() {
		rep.Skipped = true
		return rep, nil
	}
	defer p.cycleMu.Unlock()

	metrics.IncWorkerCycle()
	start := time.Now()
	cycleStart := p.now()

	for ctx.Err() == nil {
		batch, err := p.jobs.ClaimBatch(ctx, p.cfg.BatchSize, cycleStart)
		if err != nil {
			rep.Duration = time.Since(start)
			return rep, err
		}
		if len(batch) == 0 {
			break
		}
		metrics.AddJobsClaimed(len(batch))
		rep.Batches++
		rep.Claimed += len(batch)
		p.processBatch(ctx, batch, &rep)
	}

	rep.Duration = time.Since(start)
	if rep.Claimed > 0 {
		p.log.Info().
			Int("batches", rep.Batches).
			Int("claimed", rep.Claimed).
			Int("completed", rep.Completed).
			Int("requeued", rep.Requeued).
			Int("errored", rep.Errored).
			Int("released", rep.Released).
			Dur("duration", rep.Duration).
			Msg("worker cycle finished")
	}
	return rep, ctx.Err()
}

// processBatch runs owners in parallel and each owner's jobs in claim order,
// which keeps a single owner from tripping the per-user in-flight cap.
func (p *BatchProcessor) processBatch(ctx context.Context, batch []*model.Job, rep *CycleReport) {
	var order []string
	byOwner := make(map[string][]*model.Job)
	for _, j := range batch {
		if _, ok := byOwner[j.Owner]; !ok {
			order = append(order, j.Owner)
		}
		byOwner[j.Owner] = append(byOwner[j.Owner], j)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, owner := range order {
		jobs := byOwner[owner]
		g.Go(func() error {
			for _, j := range jobs {
				outcome := p.dispatch(ctx, j)
				mu.Lock()
				switch outcome {
				case "complete":
					rep.Completed++
				case "requeued":
					rep.Requeued++
				case "error":
					rep.Errored++
				case "released":
					rep.Released++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// dispatch runs one job and writes its outcome. The status write uses a
// context detached from ctx so shutdown never strands a job in processing.
// A job cut short by ctx is released without spending its attempt.
func (p *BatchProcessor) dispatch(ctx context.Context, job *model.Job) string {
	start := time.Now()
	log := p.log.With().Str("job_id", job.ID).Str("owner", job.Owner).Str("kind", string(job.Kind)).Logger()

	out, err := p.gate.Execute(ctx, admission.Call{
		Owner:     job.Owner,
		RequestID: job.ID,
		DedupeKey: DedupeKey(job),
	}, func(ctx context.Context) ([]byte, error) {
		return p.runner.Handle(logging.WithJobID(ctx, job.ID), job)
	})

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		if cerr := p.jobs.Complete(wctx, job.ID, job.Attempts, out); cerr != nil {
			log.Error().Err(cerr).Msg("failed to mark job complete")
			return ""
		}
		metrics.ObserveJob(string(job.Kind), "complete", time.Since(start))
		log.Debug().Int("attempt", job.Attempts).Msg("job complete")
		return "complete"
	}

	if ctx.Err() != nil {
		if rerr := p.jobs.Release(wctx, job.ID, job.Attempts); rerr != nil {
			log.Error().Err(rerr).Msg("failed to release interrupted job")
			return ""
		}
		log.Info().Err(err).Msg("job interrupted, released")
		return "released"
	}

	msg := FailureMessage(err)
	updated, ferr := p.jobs.Fail(wctx, job.ID, job.Attempts, msg)
	if ferr != nil {
		log.Error().Err(ferr).Str("reason", msg).Msg("failed to record job failure")
		return ""
	}
	outcome := "requeued"
	if updated.Status == model.JobStatusError {
		outcome = "error"
	}
	metrics.ObserveJob(string(job.Kind), outcome, time.Since(start))
	log.Warn().Int("attempt", updated.Attempts).Int("max_attempts", updated.MaxAttempts).
		Str("outcome", outcome).Str("reason", msg).Msg("job failed")
	return outcome
}

// DedupeKey identifies identical work from one owner.
func DedupeKey(job *model.Job) string {
	h := sha256.New()
	h.Write([]byte(job.Owner))
	h.Write([]byte{0})
	h.Write([]byte(job.Kind))
	h.Write([]byte{0})
	h.Write(job.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// FailureMessage classifies err for the job's error_message column.
func FailureMessage(err error) string {
	var msg string
	var pe *domain.ProviderError
	switch {
	case domain.Transient(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		msg = "transient: " + err.Error()
	case errors.As(err, &pe):
		msg = "provider: " + pe.Err.Error()
	default:
		msg = "provider: " + err.Error()
	}
	return truncate(msg, maxMessageLen)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
