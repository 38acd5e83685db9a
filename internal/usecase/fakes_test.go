//go:build !integration

package usecase_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// testClock is a settable time source shared by the stores and use cases.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// MockProvider implements adapter.AnalysisProvider.
type MockProvider struct {
	AnalyzeFunc func(ctx context.Context, req adapter.AnalysisRequest) (model.AnalysisResult, error)

	mu    sync.Mutex
	calls []adapter.AnalysisRequest
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Analyze(ctx context.Context, req adapter.AnalysisRequest) (model.AnalysisResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return model.AnalysisResult{Beverage: "water", AmountML: 250, HydrationFactor: 1, Confidence: 0.9}, nil
}

func (m *MockProvider) Calls() []adapter.AnalysisRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]adapter.AnalysisRequest(nil), m.calls...)
}

// wordCounter counts whitespace-separated words as tokens.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	n, in := 0, false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			in = false
			continue
		}
		if !in {
			n++
			in = true
		}
	}
	return n
}

// MockRateLimiter implements adapter.RateLimiter.
type MockRateLimiter struct {
	AllowFunc func(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

func (m *MockRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return m.AllowFunc(ctx, key, limit, window)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func imagePayload(t *testing.T) []byte {
	return mustJSON(t, model.ImageAnalysisPayload{
		ImageBase64: base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff, 0xe0}),
		MimeType:    "image/jpeg",
	})
}

func textPayload(t *testing.T, desc string) []byte {
	return mustJSON(t, model.TextAnalysisPayload{Description: desc})
}
