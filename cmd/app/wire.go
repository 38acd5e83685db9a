package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"hydration-queue/internal/config"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
	"hydration-queue/internal/domain/ports/repository"
	aiAdapters "hydration-queue/internal/infra/adapters/ai"
	"hydration-queue/internal/infra/admission"
	"hydration-queue/internal/infra/db/memory"
	pg "hydration-queue/internal/infra/db/postgres"
	"hydration-queue/internal/infra/db/sqlite"
	"hydration-queue/internal/infra/logging"
	"hydration-queue/internal/infra/metrics"
	red "hydration-queue/internal/infra/redis"
	"hydration-queue/internal/infra/worker"
	"hydration-queue/internal/usecase"
)

// app holds everything a command may need. Commands start only the parts
// they run; construction itself never spawns goroutines except the pool
// stats reporter, which stops with ctx.
type app struct {
	cfg *config.Config
	log *zerolog.Logger

	jobs    repository.JobRepository
	quotas  repository.QuotaRepository
	pool    *pgxpool.Pool
	locker  adapter.Locker
	limiter adapter.RateLimiter

	handlers    usecase.JobHandlers
	quotaUC     usecase.QuotaUseCase
	jobUC       usecase.JobUseCase
	maintenance usecase.MaintenanceUseCase
	gateway     *admission.Gateway
	processor   *worker.BatchProcessor

	closers []func()
}

func loadApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.LoadConfig(flags.configPath, flags.dev)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	return buildApp(ctx, cfg, logger)
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openCoordination(ctx); err != nil {
		a.Close()
		return nil, err
	}

	provider, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.handlers = usecase.NewJobHandlers(provider, aiAdapters.NewTokenCounter(logger), cfg.Quota.MaxTextTokens)
	if err := a.handlers.Verify(); err != nil {
		a.Close()
		return nil, err
	}

	a.quotaUC = usecase.NewQuotaUseCase(a.quotas, cfg.Quota.Limits, cfg.Quota.DefaultTimezone, nil, logger)
	a.jobUC = usecase.NewJobUseCase(a.jobs, a.quotaUC, a.handlers, a.limiter, usecase.IntakeLimits{
		MaxAttempts:     cfg.Queue.MaxAttempts,
		MaxPayloadBytes: cfg.Queue.MaxPayloadBytes,
		BurstLimit:      cfg.Intake.BurstLimit,
		BurstWindow:     cfg.Intake.BurstWindow,
	}, logger)
	a.maintenance = usecase.NewMaintenanceUseCase(a.jobs, a.locker, cfg.Reaper, logger)
	a.gateway = admission.NewGateway(cfg.Admission, logger)
	a.processor = worker.NewBatchProcessor(a.jobs, a.gateway, a.handlers, cfg.Queue, logger)
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "postgres":
		pool, err := pg.NewPgxPool(ctx, a.cfg.Database.URL, a.cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.jobs = pg.NewJobRepo(pool, pg.NewTxManager(pool))
		a.quotas = pg.NewQuotaRepo(pool)
		go pg.ReportPoolStats(ctx, pool, 15*time.Second, a.log)
	case "sqlite":
		db, err := sqlite.Open(ctx, a.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.jobs = sqlite.NewJobRepo(db)
		a.quotas = sqlite.NewQuotaRepo(db)
	case "memory":
		a.log.Warn().Msg("using the in-memory store; jobs do not survive a restart")
		a.jobs = memory.NewJobRepo()
		a.quotas = memory.NewQuotaRepo()
	default:
		return fmt.Errorf("unsupported database driver %q", a.cfg.Database.Driver)
	}
	a.log.Info().Str("driver", a.cfg.Database.Driver).Msg("job store ready")
	return nil
}

// openCoordination picks the lock and burst limiter backends. Without Redis
// both are process-local, which is only correct for a single instance.
func (a *app) openCoordination(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.Redis.URL) == "" {
		a.locker = memory.NewLocker()
		a.limiter = memory.NewRateLimiter()
		return nil
	}
	client, err := red.NewClient(ctx, a.cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.locker = red.NewLocker(client)
	a.limiter = red.NewRateLimiter(client)
	a.log.Info().Msg("redis coordination enabled")
	return nil
}

// Close releases stores in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// buildProvider returns the configured analysis provider, or a router over
// several when image jobs are sent elsewhere.
func buildProvider(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.AnalysisProvider, error) {
	byProvider := map[string]adapter.AnalysisProvider{}

	if cfg.AI.GeminiKey != "" {
		g, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.GeminiModel, 512)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		byProvider[g.Name()] = g
	}
	if cfg.AI.OpenAIKey != "" {
		o, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIModel, cfg.AI.OpenAIURL)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		byProvider[o.Name()] = o
	}
	if cfg.AI.Provider == "noop" || cfg.Runtime.Dev {
		byProvider["noop"] = aiAdapters.NewNoopAIAdapter(200 * time.Millisecond)
	}

	def := strings.ToLower(cfg.AI.Provider)
	if byProvider[def] == nil {
		if !cfg.Runtime.Dev {
			return nil, fmt.Errorf("ai.provider %q has no credentials configured", cfg.AI.Provider)
		}
		logger.Warn().Str("provider", def).Msg("provider not configured, falling back to noop")
		def = "noop"
	}

	routing := map[model.JobKind]string{}
	if r := strings.ToLower(strings.TrimSpace(cfg.AI.ImageRouting)); r != "" && r != def {
		if byProvider[r] == nil {
			return nil, fmt.Errorf("ai.image_provider %q has no credentials configured", r)
		}
		routing[model.JobKindImageAnalysis] = r
	}

	logger.Info().Str("provider", def).Str("image_provider", routing[model.JobKindImageAnalysis]).Msg("analysis provider ready")
	if len(routing) == 0 {
		return byProvider[def], nil
	}
	return aiAdapters.NewMultiAIAdapter(def, byProvider, routing), nil
}
