package ai

import (
	"context"
	"time"

	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
)

var _ adapter.AnalysisProvider = (*NoopAIAdapter)(nil)

// NoopAIAdapter answers every request with a fixed glass of water after a
// short delay. For local runs without provider credentials.
type NoopAIAdapter struct {
	delay time.Duration
}

func NewNoopAIAdapter(delay time.Duration) *NoopAIAdapter {
	return &NoopAIAdapter{delay: delay}
}

func (a *NoopAIAdapter) Name() string { return "noop" }

func (a *NoopAIAdapter) Analyze(ctx context.Context, req adapter.AnalysisRequest) (model.AnalysisResult, error) {
	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return model.AnalysisResult{}, ctx.Err()
	}
	res := model.AnalysisResult{
		Beverage:        "water",
		AmountML:        250,
		HydrationFactor: 1,
		Confidence:      0.5,
		Notes:           "noop provider",
	}
	if req.Kind == model.JobKindBarcodeAnalysis {
		res.AmountML = 330
	}
	return res, nil
}
