package adapter

import (
	"context"

	"hydration-queue/internal/domain/model"
)

// AnalysisRequest is the provider-facing form of a job.
type AnalysisRequest struct {
	Kind     model.JobKind
	Prompt   string
	Image    []byte
	MimeType string
}

// AnalysisProvider is the port for the external inference provider.
type AnalysisProvider interface {
	Name() string
	Analyze(ctx context.Context, req AnalysisRequest) (model.AnalysisResult, error)
}

// TokenCounter estimates prompt size for intake validation.
type TokenCounter interface {
	Count(text string) int
}
