package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hydration-queue/internal/infra/admission"
	"hydration-queue/internal/infra/logging"
	"hydration-queue/internal/infra/worker"
	"hydration-queue/internal/usecase"
)

// CycleRunner triggers one worker cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (worker.CycleReport, error)
}

type AdmissionStats interface {
	Stats() admission.Stats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the use cases and infrastructure the routes reach. Ops routes
// whose dependency is nil answer 501.
type Deps struct {
	Jobs        usecase.JobUseCase
	Quota       usecase.QuotaUseCase
	Maintenance usecase.MaintenanceUseCase
	Worker      CycleRunner
	Admission   AdmissionStats
	Store       Pinger
}

type Server struct {
	deps     Deps
	auth     *AuthManager
	opsKey   string
	maxBody  int64
	timeout  time.Duration
	log      *zerolog.Logger
	opsLimit time.Duration
}

type Options struct {
	JWTSecret      string
	OpsAPIKey      string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	// OpsTimeout bounds the worker and reaper triggers, which may run long.
	OpsTimeout time.Duration
}

func NewServer(deps Deps, opts Options, logger *zerolog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.OpsTimeout <= 0 {
		opts.OpsTimeout = 5 * time.Minute
	}
	return &Server{
		deps:     deps,
		auth:     NewAuthManager(opts.JWTSecret),
		opsKey:   opts.OpsAPIKey,
		maxBody:  opts.MaxBodyBytes,
		timeout:  opts.RequestTimeout,
		log:      logging.Component(logger, "HTTP"),
		opsLimit: opts.OpsTimeout,
	}
}

func (s *Server) requestLog(r *http.Request) *zerolog.Logger {
	return logging.With(r.Context(), s.log)
}

// Router builds the full route tree with the standard middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(s.log), Recover(s.log))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(Timeout(s.timeout), MaxBody(s.maxBody), s.auth.UserAuth)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleStatus)
		r.Get("/quota", s.handleQuota)
		r.Put("/quota/timezone", s.handleSetTimezone)
	})

	r.Route("/ops", func(r chi.Router) {
		r.Use(Timeout(s.opsLimit), OpsAuth(s.opsKey))
		r.Post("/worker/run", s.handleRunWorker)
		r.Post("/reaper/run", s.handleRunReaper)
		r.Get("/admission", s.handleAdmission)
	})
	return r
}
