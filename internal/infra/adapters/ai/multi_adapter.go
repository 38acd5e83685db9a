package ai

import (
	"context"
	"fmt"
	"strings"

	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
)

var _ adapter.AnalysisProvider = (*MultiAIAdapter)(nil)

// MultiAIAdapter routes each request to a provider chosen by job kind,
// falling back to the default provider.
type MultiAIAdapter struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.AnalysisProvider
	kindToProvider  map[model.JobKind]string
}

func NewMultiAIAdapter(
	defaultProvider string,
	byProvider map[string]adapter.AnalysisProvider,
	kindToProvider map[model.JobKind]string,
) *MultiAIAdapter {
	return &MultiAIAdapter{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		kindToProvider:  kindToProvider,
	}
}

func (m *MultiAIAdapter) pick(kind model.JobKind) adapter.AnalysisProvider {
	if p := m.kindToProvider[kind]; p != "" {
		if a := m.byProvider[strings.ToLower(p)]; a != nil {
			return a
		}
	}
	if a := m.byProvider[m.defaultProvider]; a != nil {
		return a
	}
	// last resort: first available
	for _, a := range m.byProvider {
		if a != nil {
			return a
		}
	}
	return nil
}

func (m *MultiAIAdapter) Name() string { return "multi" }

func (m *MultiAIAdapter) Analyze(ctx context.Context, req adapter.AnalysisRequest) (model.AnalysisResult, error) {
	a := m.pick(req.Kind)
	if a == nil {
		return model.AnalysisResult{}, fmt.Errorf("no provider configured for %s", req.Kind)
	}
	return a.Analyze(ctx, req)
}
