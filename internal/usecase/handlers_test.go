//go:build !integration

package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
	"hydration-queue/internal/usecase"
)

func TestJobHandlers(t *testing.T) {
	ctx := context.Background()

	t.Run("should cover every job kind", func(t *testing.T) {
		h := usecase.NewJobHandlers(&MockProvider{}, wordCounter{}, 10)
		if err := h.Verify(); err != nil {
			t.Fatalf("Verify: %v", err)
		}
		delete(h, model.JobKindBarcodeAnalysis)
		if err := h.Verify(); err == nil {
			t.Fatal("expected Verify to fail with a missing kind")
		}
	})

	t.Run("should send the decoded image to the provider", func(t *testing.T) {
		p := &MockProvider{}
		h := usecase.NewJobHandlers(p, wordCounter{}, 10)
		job := &model.Job{ID: "j1", Kind: model.JobKindImageAnalysis, Payload: imagePayload(t)}

		out, err := h.Handle(ctx, job)
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		var res model.AnalysisResult
		if err := json.Unmarshal(out, &res); err != nil {
			t.Fatalf("result is not json: %v", err)
		}
		if res.Beverage != "water" || res.AmountML != 250 {
			t.Errorf("unexpected result %+v", res)
		}
		calls := p.Calls()
		if len(calls) != 1 || calls[0].MimeType != "image/jpeg" || len(calls[0].Image) != 4 {
			t.Fatalf("unexpected provider calls %+v", calls)
		}
	})

	t.Run("should include the description and barcode in the prompt", func(t *testing.T) {
		p := &MockProvider{}
		h := usecase.NewJobHandlers(p, wordCounter{}, 10)

		_, err := h.Handle(ctx, &model.Job{Kind: model.JobKindTextAnalysis, Payload: textPayload(t, "  large iced latte ")})
		if err != nil {
			t.Fatalf("Handle text: %v", err)
		}
		_, err = h.Handle(ctx, &model.Job{Kind: model.JobKindBarcodeAnalysis, Payload: []byte(`{"code":"5449000000996","symbology":"ean13"}`)})
		if err != nil {
			t.Fatalf("Handle barcode: %v", err)
		}
		calls := p.Calls()
		if !strings.Contains(calls[0].Prompt, "Description: large iced latte") {
			t.Errorf("text prompt missing description: %q", calls[0].Prompt)
		}
		if !strings.Contains(calls[1].Prompt, "Barcode: 5449000000996 (ean13)") {
			t.Errorf("barcode prompt missing code: %q", calls[1].Prompt)
		}
	})

	t.Run("should reject implausible provider answers", func(t *testing.T) {
		p := &MockProvider{AnalyzeFunc: func(ctx context.Context, req adapter.AnalysisRequest) (model.AnalysisResult, error) {
			return model.AnalysisResult{Beverage: "water", AmountML: 50000}, nil
		}}
		h := usecase.NewJobHandlers(p, nil, 0)
		if _, err := h.Handle(ctx, &model.Job{Kind: model.JobKindTextAnalysis, Payload: textPayload(t, "a lake")}); err == nil {
			t.Fatal("expected an error for 50 litres")
		}
	})

	t.Run("should pass provider errors through", func(t *testing.T) {
		boom := errors.New("upstream 502")
		p := &MockProvider{AnalyzeFunc: func(ctx context.Context, req adapter.AnalysisRequest) (model.AnalysisResult, error) {
			return model.AnalysisResult{}, boom
		}}
		h := usecase.NewJobHandlers(p, nil, 0)
		if _, err := h.Handle(ctx, &model.Job{Kind: model.JobKindTextAnalysis, Payload: textPayload(t, "tea")}); !errors.Is(err, boom) {
			t.Fatalf("expected provider error, got %v", err)
		}
	})

	t.Run("should reject unknown kinds", func(t *testing.T) {
		h := usecase.NewJobHandlers(&MockProvider{}, nil, 0)
		if err := h.Validate("video_analysis", []byte(`{}`)); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("Validate: expected ErrInvalidArgument, got %v", err)
		}
		if _, err := h.Handle(ctx, &model.Job{Kind: "video_analysis"}); !errors.Is(err, domain.ErrUnknownJobKind) {
			t.Errorf("Handle: expected ErrUnknownJobKind, got %v", err)
		}
	})

	t.Run("should validate barcodes", func(t *testing.T) {
		h := usecase.NewJobHandlers(&MockProvider{}, nil, 0)
		for code, ok := range map[string]bool{
			"12345678":        true,
			"5449000000996":   true,
			"12345678901234":  true,
			"1234567":         false,
			"123456789012345": false,
			"1234567a":        false,
		} {
			err := h.Validate(model.JobKindBarcodeAnalysis, []byte(`{"code":"`+code+`"}`))
			if (err == nil) != ok {
				t.Errorf("code %s: ok=%v err=%v", code, ok, err)
			}
		}
	})
}
