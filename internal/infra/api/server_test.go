//go:build !integration

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hydration-queue/internal/config"
	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
	"hydration-queue/internal/infra/admission"
	"hydration-queue/internal/infra/api"
	"hydration-queue/internal/infra/db/memory"
	"hydration-queue/internal/infra/logging"
	"hydration-queue/internal/infra/worker"
	"hydration-queue/internal/usecase"
)

const (
	testSecret = "test-jwt-secret-please-change"
	testOpsKey = "test-ops-key"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }
func (stubProvider) Analyze(ctx context.Context, req adapter.AnalysisRequest) (model.AnalysisResult, error) {
	return model.AnalysisResult{Beverage: "tea", AmountML: 300, HydrationFactor: 1, Confidence: 0.8}, nil
}

// MockJobUC implements usecase.JobUseCase.
type MockJobUC struct {
	SubmitFunc func(ctx context.Context, owner string, kind model.JobKind, payload []byte) (*model.Job, error)
	StatusFunc func(ctx context.Context, owner, id string) (*model.Job, error)
}

func (m *MockJobUC) Submit(ctx context.Context, owner string, kind model.JobKind, payload []byte) (*model.Job, error) {
	return m.SubmitFunc(ctx, owner, kind, payload)
}

func (m *MockJobUC) Status(ctx context.Context, owner, id string) (*model.Job, error) {
	return m.StatusFunc(ctx, owner, id)
}

// MockCycleRunner implements api.CycleRunner.
type MockCycleRunner struct {
	RunCycleFunc func(ctx context.Context) (worker.CycleReport, error)
}

func (m *MockCycleRunner) RunCycle(ctx context.Context) (worker.CycleReport, error) {
	return m.RunCycleFunc(ctx)
}

type failingStore struct{}

func (failingStore) Ping(ctx context.Context) error {
	return domain.Unavailable("ping", errors.New("connection refused"))
}

type fixture struct {
	router  http.Handler
	jobs    *memory.JobRepo
	auth    *api.AuthManager
	process *worker.BatchProcessor
}

func newFixture(t *testing.T, imageLimit int) *fixture {
	t.Helper()
	logger := logging.Nop()
	jobs := memory.NewJobRepo()
	quota := usecase.NewQuotaUseCase(memory.NewQuotaRepo(), map[string]int{"image_uploads": imageLimit, "text_analyses": 10}, "UTC", nil, logger)
	handlers := usecase.NewJobHandlers(stubProvider{}, nil, 0)
	jobUC := usecase.NewJobUseCase(jobs, quota, handlers, nil, usecase.IntakeLimits{MaxAttempts: 3, MaxPayloadBytes: 1 << 16}, logger)

	gate := admission.NewGateway(config.AdmissionConfig{
		GlobalMaxInFlight:  4,
		PerUserMaxInFlight: 1,
		CallTimeout:        time.Second,
		DedupeTTL:          5 * time.Second,
		IdempotencyTTL:     time.Minute,
		SweepInterval:      time.Second,
		BreakerThreshold:   5,
		BreakerWindow:      time.Minute,
		BreakerCooldown:    30 * time.Second,
	}, logger)
	proc := worker.NewBatchProcessor(jobs, gate, handlers, config.QueueConfig{BatchSize: 10, Concurrency: 2}, logger)
	maint := usecase.NewMaintenanceUseCase(jobs, memory.NewLocker(), config.ReaperConfig{
		CompletedRetention: time.Hour, ErroredRetention: 3 * time.Hour, StaleAfter: 10 * time.Minute, PendingRetention: 3 * time.Hour,
	}, logger)

	srv := api.NewServer(api.Deps{
		Jobs:        jobUC,
		Quota:       quota,
		Maintenance: maint,
		Worker:      proc,
		Admission:   gate,
		Store:       jobs,
	}, api.Options{JWTSecret: testSecret, OpsAPIKey: testOpsKey}, logger)

	return &fixture{router: srv.Router(), jobs: jobs, auth: api.NewAuthManager(testSecret), process: proc}
}

func (f *fixture) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := f.auth.Mint(user, time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tok
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

const imageBody = `{"kind":"image_analysis","payload":{"image_base64":"/9j/4A==","mime_type":"image/jpeg"}}`

func TestIntakeAndStatus(t *testing.T) {
	t.Run("should reject requests without a valid token", func(t *testing.T) {
		f := newFixture(t, 20)
		if rr := do(t, f.router, http.MethodPost, "/v1/jobs", "", imageBody); rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
		bad, _ := api.NewAuthManager("other-secret").Mint("u1", time.Hour)
		if rr := do(t, f.router, http.MethodPost, "/v1/jobs", bad, imageBody); rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for a foreign signature, got %d", rr.Code)
		}
		expired, _ := f.auth.Mint("u1", -time.Minute)
		if rr := do(t, f.router, http.MethodPost, "/v1/jobs", expired, imageBody); rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for an expired token, got %d", rr.Code)
		}
	})

	t.Run("should accept a job, process it and report the result", func(t *testing.T) {
		f := newFixture(t, 20)
		tok := f.token(t, "u1")

		rr := do(t, f.router, http.MethodPost, "/v1/jobs", tok, imageBody)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var sub struct {
			Status string `json:"status"`
			JobID  string `json:"job_id"`
		}
		decode(t, rr, &sub)
		if sub.Status != "pending" || sub.JobID == "" {
			t.Fatalf("unexpected body %+v", sub)
		}

		rr = do(t, f.router, http.MethodGet, "/v1/jobs/"+sub.JobID, tok, "")
		var view map[string]any
		decode(t, rr, &view)
		if rr.Code != http.StatusOK || view["status"] != "pending" || view["result"] != nil {
			t.Fatalf("unexpected pending view %d %v", rr.Code, view)
		}

		if _, err := f.process.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		rr = do(t, f.router, http.MethodGet, "/v1/jobs/"+sub.JobID, tok, "")
		var done struct {
			Status   string               `json:"status"`
			Attempts int                  `json:"attempts"`
			Result   model.AnalysisResult `json:"result"`
		}
		decode(t, rr, &done)
		if done.Status != "complete" || done.Attempts != 1 || done.Result.AmountML != 300 {
			t.Fatalf("unexpected complete view %+v", done)
		}
	})

	t.Run("should hide other users' jobs", func(t *testing.T) {
		f := newFixture(t, 20)
		rr := do(t, f.router, http.MethodPost, "/v1/jobs", f.token(t, "u1"), imageBody)
		var sub struct {
			JobID string `json:"job_id"`
		}
		decode(t, rr, &sub)

		if rr := do(t, f.router, http.MethodGet, "/v1/jobs/"+sub.JobID, f.token(t, "u2"), ""); rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("should map validation errors to 400", func(t *testing.T) {
		f := newFixture(t, 20)
		tok := f.token(t, "u1")
		for _, body := range []string{
			`not json`,
			`{"kind":"video_analysis","payload":{"x":1}}`,
			`{"kind":"text_analysis","payload":{"description":"   "}}`,
			`{"kind":"text_analysis"}`,
		} {
			if rr := do(t, f.router, http.MethodPost, "/v1/jobs", tok, body); rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected 400, got %d", body, rr.Code)
			}
		}
		if f.jobs.Len() != 0 {
			t.Errorf("invalid requests must not create jobs")
		}
	})

	t.Run("should return 429 with quota details once the daily limit is used", func(t *testing.T) {
		f := newFixture(t, 2)
		tok := f.token(t, "u1")
		for i := 0; i < 2; i++ {
			if rr := do(t, f.router, http.MethodPost, "/v1/jobs", tok, imageBody); rr.Code != http.StatusAccepted {
				t.Fatalf("upload %d: %d", i, rr.Code)
			}
		}
		rr := do(t, f.router, http.MethodPost, "/v1/jobs", tok, imageBody)
		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rr.Code)
		}
		var body struct {
			Current   int    `json:"current"`
			Limit     int    `json:"limit"`
			ResetHint string `json:"reset_hint"`
		}
		decode(t, rr, &body)
		if body.Current != 2 || body.Limit != 2 || !strings.HasPrefix(body.ResetHint, "resets in") {
			t.Fatalf("unexpected body %+v", body)
		}

		rr = do(t, f.router, http.MethodGet, "/v1/quota", tok, "")
		var usage struct {
			Items []model.QuotaStatus `json:"items"`
		}
		decode(t, rr, &usage)
		if len(usage.Items) != 3 || usage.Items[0].Current != 2 || usage.Items[0].Allowed {
			t.Fatalf("unexpected usage %+v", usage)
		}
	})

	t.Run("should update the timezone", func(t *testing.T) {
		f := newFixture(t, 20)
		tok := f.token(t, "u1")
		if rr := do(t, f.router, http.MethodPut, "/v1/quota/timezone", tok, `{"timezone":"Europe/Berlin"}`); rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}
		if rr := do(t, f.router, http.MethodPut, "/v1/quota/timezone", tok, `{"timezone":"Nowhere/Land"}`); rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})
}

func TestErrorMapping(t *testing.T) {
	logger := logging.Nop()
	auth := api.NewAuthManager(testSecret)
	tok, _ := auth.Mint("u1", time.Hour)

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests},
		{"store unavailable", domain.Unavailable("enqueue", errors.New("dial tcp")), http.StatusServiceUnavailable},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run("should map "+tc.name, func(t *testing.T) {
			uc := &MockJobUC{SubmitFunc: func(ctx context.Context, owner string, kind model.JobKind, payload []byte) (*model.Job, error) {
				if owner != "u1" {
					t.Errorf("owner not taken from the token: %q", owner)
				}
				return nil, tc.err
			}}
			srv := api.NewServer(api.Deps{Jobs: uc}, api.Options{JWTSecret: testSecret}, logger)
			rr := do(t, srv.Router(), http.MethodPost, "/v1/jobs", tok, `{"kind":"text_analysis","payload":{"description":"tea"}}`)
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rr.Code)
			}
		})
	}

	t.Run("should reject oversized bodies with 413", func(t *testing.T) {
		uc := &MockJobUC{}
		srv := api.NewServer(api.Deps{Jobs: uc}, api.Options{JWTSecret: testSecret, MaxBodyBytes: 64}, logger)
		body := `{"kind":"text_analysis","payload":{"description":"` + strings.Repeat("x", 200) + `"}}`
		if rr := do(t, srv.Router(), http.MethodPost, "/v1/jobs", tok, body); rr.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("expected 413, got %d", rr.Code)
		}
	})
}

func TestOpsRoutes(t *testing.T) {
	t.Run("should require the ops key", func(t *testing.T) {
		f := newFixture(t, 20)
		if rr := do(t, f.router, http.MethodPost, "/ops/worker/run", "", ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
		if rr := do(t, f.router, http.MethodPost, "/ops/worker/run", "wrong", ""); rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rr.Code)
		}
		// a user token is not an ops key
		if rr := do(t, f.router, http.MethodPost, "/ops/worker/run", f.token(t, "u1"), ""); rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rr.Code)
		}
	})

	t.Run("should run a worker cycle and a reaper pass", func(t *testing.T) {
		f := newFixture(t, 20)
		do(t, f.router, http.MethodPost, "/v1/jobs", f.token(t, "u1"), imageBody)

		rr := do(t, f.router, http.MethodPost, "/ops/worker/run", testOpsKey, "")
		var cycle worker.CycleReport
		decode(t, rr, &cycle)
		if rr.Code != http.StatusOK || cycle.Completed != 1 {
			t.Fatalf("unexpected worker response %d %+v", rr.Code, cycle)
		}

		rr = do(t, f.router, http.MethodPost, "/ops/reaper/run", testOpsKey, "")
		var sweep usecase.SweepReport
		decode(t, rr, &sweep)
		if rr.Code != http.StatusOK || sweep.Skipped {
			t.Fatalf("unexpected reaper response %d %+v", rr.Code, sweep)
		}

		rr = do(t, f.router, http.MethodGet, "/ops/admission", testOpsKey, "")
		var stats admission.Stats
		decode(t, rr, &stats)
		if rr.Code != http.StatusOK || stats.InFlight != 0 || stats.IdempotencyEntries != 1 {
			t.Fatalf("unexpected admission stats %d %+v", rr.Code, stats)
		}
	})

	t.Run("should keep running a cycle after the caller hangs up", func(t *testing.T) {
		runner := &MockCycleRunner{RunCycleFunc: func(ctx context.Context) (worker.CycleReport, error) {
			if err := ctx.Err(); err != nil {
				t.Errorf("cycle context cancelled by the caller: %v", err)
			}
			if _, ok := ctx.Deadline(); !ok {
				t.Error("cycle context must still be bounded")
			}
			return worker.CycleReport{Completed: 1}, nil
		}}
		srv := api.NewServer(api.Deps{Worker: runner}, api.Options{OpsAPIKey: testOpsKey, OpsTimeout: time.Minute}, logging.Nop())

		gone, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, "/ops/worker/run", nil).WithContext(gone)
		req.Header.Set("Authorization", "Bearer "+testOpsKey)
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("should answer 501 when a trigger is not wired", func(t *testing.T) {
		srv := api.NewServer(api.Deps{}, api.Options{OpsAPIKey: testOpsKey}, logging.Nop())
		if rr := do(t, srv.Router(), http.MethodPost, "/ops/reaper/run", testOpsKey, ""); rr.Code != http.StatusNotImplemented {
			t.Fatalf("expected 501, got %d", rr.Code)
		}
	})

	t.Run("should be disabled without a configured key", func(t *testing.T) {
		srv := api.NewServer(api.Deps{}, api.Options{}, logging.Nop())
		if rr := do(t, srv.Router(), http.MethodGet, "/ops/admission", "anything", ""); rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rr.Code)
		}
	})
}

func TestHealth(t *testing.T) {
	t.Run("should report ok and echo the request id", func(t *testing.T) {
		f := newFixture(t, 20)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "req-123")
		rr := httptest.NewRecorder()
		f.router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK || rr.Header().Get("X-Request-ID") != "req-123" {
			t.Fatalf("unexpected response %d %v", rr.Code, rr.Header())
		}
	})

	t.Run("should report 503 when the store is down", func(t *testing.T) {
		srv := api.NewServer(api.Deps{Store: failingStore{}}, api.Options{}, logging.Nop())
		if rr := do(t, srv.Router(), http.MethodGet, "/health", "", ""); rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
	})

	t.Run("should expose prometheus metrics", func(t *testing.T) {
		srv := api.NewServer(api.Deps{}, api.Options{}, logging.Nop())
		rr := do(t, srv.Router(), http.MethodGet, "/metrics", "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	})
}
