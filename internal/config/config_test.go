//go:build !integration

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("should apply defaults to a minimal file", func(t *testing.T) {
		path := writeFile(t, "database:\n  driver: memory\n")
		cfg, err := LoadConfig(path, false)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Queue.BatchSize != 50 || cfg.Queue.MaxAttempts != 3 || cfg.Queue.PollInterval != time.Minute {
			t.Errorf("unexpected queue defaults %+v", cfg.Queue)
		}
		if cfg.Reaper.StaleAfter != 10*time.Minute || cfg.Reaper.CompletedRetention != time.Hour ||
			cfg.Reaper.ErroredRetention != 3*time.Hour || cfg.Reaper.PendingRetention != 3*time.Hour {
			t.Errorf("unexpected reaper defaults %+v", cfg.Reaper)
		}
		if cfg.Quota.Limits["image_uploads"] != 20 || cfg.Quota.DefaultTimezone != "UTC" {
			t.Errorf("unexpected quota defaults %+v", cfg.Quota)
		}
		if cfg.Admission.PerUserMaxInFlight != 1 {
			t.Errorf("unexpected admission defaults %+v", cfg.Admission)
		}
	})

	t.Run("should keep explicit values and fill missing limits", func(t *testing.T) {
		path := writeFile(t, `
database:
  driver: sqlite
  url: /tmp/jobs.db
queue:
  batch_size: 10
  poll_interval: 30s
quota:
  default_timezone: Europe/Berlin
  limits:
    image_uploads: 5
`)
		cfg, err := LoadConfig(path, true)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Queue.BatchSize != 10 || cfg.Queue.Concurrency != 10 || cfg.Queue.PollInterval != 30*time.Second {
			t.Errorf("unexpected queue %+v", cfg.Queue)
		}
		if cfg.Quota.Limits["image_uploads"] != 5 || cfg.Quota.Limits["text_analyses"] != 50 {
			t.Errorf("unexpected limits %v", cfg.Quota.Limits)
		}
		if !cfg.Runtime.Dev {
			t.Error("dev flag not carried")
		}
	})

	t.Run("should let the environment override secrets", func(t *testing.T) {
		t.Setenv("DATABASE_DRIVER", "memory")
		t.Setenv("JWT_SECRET", "from-env")
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), false)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Auth.JWTSecret != "from-env" || cfg.Database.Driver != "memory" {
			t.Errorf("env not applied: %+v %+v", cfg.Auth, cfg.Database)
		}
	})

	t.Run("should reject invalid settings", func(t *testing.T) {
		cases := []struct {
			name string
			body string
		}{
			{"postgres without url", "database:\n  driver: postgres\n"},
			{"unknown driver", "database:\n  driver: mongo\n"},
			{"unknown timezone", "database:\n  driver: memory\nquota:\n  default_timezone: Mars/Olympus\n"},
			{"oversized batch", "database:\n  driver: memory\nqueue:\n  batch_size: 5000\n"},
			{"broken yaml", "database: [\n"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				t.Setenv("DATABASE_DRIVER", "")
				t.Setenv("DATABASE_URL", "")
				if _, err := LoadConfig(writeFile(t, tc.body), false); err == nil {
					t.Fatal("expected an error")
				}
			})
		}
	})
}
