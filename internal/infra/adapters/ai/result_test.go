package ai_test

import (
	"context"
	"testing"
	"time"

	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
	ai "hydration-queue/internal/infra/adapters/ai"
)

func TestParseResult(t *testing.T) {
	t.Parallel()

	t.Run("should accept fenced json", func(t *testing.T) {
		reply := "Here you go:\n```json\n{\"beverage\":\" orange juice \",\"amount_ml\":200,\"hydration_factor\":0.9,\"confidence\":1.4}\n```"
		res, err := ai.ParseResult(reply)
		if err != nil {
			t.Fatalf("ParseResult: %v", err)
		}
		if res.Beverage != "orange juice" || res.AmountML != 200 || res.Confidence != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
		if res.HydrationML() != 180 {
			t.Errorf("expected 180ml hydration, got %d", res.HydrationML())
		}
	})

	t.Run("should reject replies without an object or beverage", func(t *testing.T) {
		for _, reply := range []string{"", "I cannot tell", `{"amount_ml":100}`, `{"beverage":`} {
			if _, err := ai.ParseResult(reply); err == nil {
				t.Errorf("expected error for %q", reply)
			}
		}
	})
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	cases := map[string]int{"": 0, "tea": 1, "glass of water": 4, "чашка чая": 3}
	for in, want := range cases {
		if got := ai.EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestNoopAIAdapter(t *testing.T) {
	t.Parallel()
	a := ai.NewNoopAIAdapter(0)

	res, err := a.Analyze(context.Background(), adapter.AnalysisRequest{Kind: model.JobKindTextAnalysis})
	if err != nil || res.Beverage != "water" || res.AmountML != 250 {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}

	slow := ai.NewNoopAIAdapter(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := slow.Analyze(ctx, adapter.AnalysisRequest{}); err == nil {
		t.Fatal("expected the context deadline to win")
	}
}
