//go:build !integration

package main

import (
	"context"
	"testing"

	"hydration-queue/internal/config"
	"hydration-queue/internal/infra/logging"
)

func memoryConfig() *config.Config {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "memory"},
		AI:       config.AIConfig{Provider: "noop"},
		Queue:    config.QueueConfig{BatchSize: 10, MaxAttempts: 3},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestBuildProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("should use the noop provider when asked for it", func(t *testing.T) {
		p, err := buildProvider(ctx, memoryConfig(), logging.Nop())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Name() != "noop" {
			t.Fatalf("expected noop, got %s", p.Name())
		}
	})

	t.Run("should refuse a provider without credentials", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.AI.Provider = "gemini"
		if _, err := buildProvider(ctx, cfg, logging.Nop()); err == nil {
			t.Fatal("expected an error for missing gemini credentials")
		}
	})

	t.Run("should fall back to noop in developer mode", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.AI.Provider = "openai"
		cfg.Runtime.Dev = true
		p, err := buildProvider(ctx, cfg, logging.Nop())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Name() != "noop" {
			t.Fatalf("expected noop, got %s", p.Name())
		}
	})

	t.Run("should reject image routing to an unconfigured provider", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.AI.ImageRouting = "openai"
		if _, err := buildProvider(ctx, cfg, logging.Nop()); err == nil {
			t.Fatal("expected an error for unconfigured image provider")
		}
	})
}

func TestBuildApp(t *testing.T) {
	t.Run("should wire a memory-backed app end to end", func(t *testing.T) {
		ctx := context.Background()
		a, err := buildApp(ctx, memoryConfig(), logging.Nop())
		if err != nil {
			t.Fatalf("buildApp: %v", err)
		}
		defer a.Close()

		job, err := a.jobUC.Submit(ctx, "u1", "barcode_analysis", []byte(`{"code":"5449000000996"}`))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		rep, err := a.processor.RunCycle(ctx)
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		if rep.Completed != 1 {
			t.Fatalf("expected one completed job, got %+v", rep)
		}
		got, err := a.jobUC.Status(ctx, "u1", job.ID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if got.Status != "complete" {
			t.Fatalf("expected complete, got %s", got.Status)
		}
		if _, err := a.maintenance.Sweep(ctx); err != nil {
			t.Fatalf("Sweep: %v", err)
		}
	})

	t.Run("should reject an unknown driver", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Database.Driver = "mongo"
		if _, err := buildApp(context.Background(), cfg, logging.Nop()); err == nil {
			t.Fatal("expected an error")
		}
	})
}
