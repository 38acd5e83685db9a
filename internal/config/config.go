// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	OpsAPIKey string `yaml:"ops_api_key"` // guards the worker/reaper triggers
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres | sqlite | memory
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AIConfig struct {
	Provider     string `yaml:"provider"` // gemini | openai | noop
	GeminiKey    string `yaml:"gemini_key"`
	GeminiURL    string `yaml:"gemini_url"`
	GeminiModel  string `yaml:"gemini_model"`
	OpenAIKey    string `yaml:"openai_key"`
	OpenAIURL    string `yaml:"openai_url"`
	OpenAIModel  string `yaml:"openai_model"`
	ImageRouting string `yaml:"image_provider"` // optional override for image jobs
}

type QueueConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
}

type ReaperConfig struct {
	Interval           time.Duration `yaml:"interval"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	ErroredRetention   time.Duration `yaml:"errored_retention"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	PendingRetention   time.Duration `yaml:"pending_retention"`
	Compact            bool          `yaml:"compact"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
}

type AdmissionConfig struct {
	GlobalMaxInFlight  int           `yaml:"global_max_in_flight"`
	PerUserMaxInFlight int           `yaml:"per_user_max_in_flight"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	ProviderRPS        float64       `yaml:"provider_rps"` // 0 disables pacing
	DedupeTTL          time.Duration `yaml:"dedupe_ttl"`
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	BreakerThreshold   int           `yaml:"breaker_threshold"`
	BreakerWindow      time.Duration `yaml:"breaker_window"`
	BreakerCooldown    time.Duration `yaml:"breaker_cooldown"`
}

type QuotaConfig struct {
	DefaultTimezone string         `yaml:"default_timezone"`
	Limits          map[string]int `yaml:"limits"` // action type -> daily limit
	MaxTextTokens   int            `yaml:"max_text_tokens"`
}

type IntakeConfig struct {
	BurstLimit  int           `yaml:"burst_limit"` // requests per window per user, 0 disables
	BurstWindow time.Duration `yaml:"burst_window"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AI        AIConfig        `yaml:"ai"`
	Queue     QueueConfig     `yaml:"queue"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Admission AdmissionConfig `yaml:"admission"`
	Quota     QuotaConfig     `yaml:"quota"`
	Intake    IntakeConfig    `yaml:"intake"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path (a missing file is fine when the
// environment supplies everything), loads .env if present, then applies
// environment overrides and defaults.
func LoadConfig(path string, dev bool) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	ApplyDefaults(&cfg)
	cfg.Runtime.Dev = dev

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Database.URL, "DATABASE_URL")
	override(&cfg.Database.Driver, "DATABASE_DRIVER")
	override(&cfg.Redis.URL, "REDIS_URL")
	override(&cfg.Auth.JWTSecret, "JWT_SECRET")
	override(&cfg.Auth.OpsAPIKey, "OPS_API_KEY")
	override(&cfg.AI.GeminiKey, "GEMINI_API_KEY")
	override(&cfg.AI.OpenAIKey, "OPENAI_API_KEY")
}

// ApplyDefaults fills every unset field. LoadConfig calls it; callers that
// build a Config by hand should too.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 10 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "gemini"
	}
	if cfg.AI.GeminiModel == "" {
		cfg.AI.GeminiModel = "gemini-2.0-flash"
	}
	if cfg.AI.OpenAIModel == "" {
		cfg.AI.OpenAIModel = "gpt-4o-mini"
	}

	q := &cfg.Queue
	if q.BatchSize <= 0 {
		q.BatchSize = 50
	}
	if q.Concurrency <= 0 {
		q.Concurrency = q.BatchSize
	}
	q.PollInterval = orDefault(q.PollInterval, time.Minute)
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 3
	}
	if q.MaxPayloadBytes <= 0 {
		q.MaxPayloadBytes = 8 << 20
	}

	r := &cfg.Reaper
	r.Interval = orDefault(r.Interval, time.Hour)
	r.CompletedRetention = orDefault(r.CompletedRetention, time.Hour)
	r.ErroredRetention = orDefault(r.ErroredRetention, 3*time.Hour)
	r.StaleAfter = orDefault(r.StaleAfter, 10*time.Minute)
	r.PendingRetention = orDefault(r.PendingRetention, 3*time.Hour)
	r.LockTTL = orDefault(r.LockTTL, 5*time.Minute)

	cfg.Admission = cfg.Admission.WithDefaults()

	if cfg.Quota.DefaultTimezone == "" {
		cfg.Quota.DefaultTimezone = "UTC"
	}
	if cfg.Quota.Limits == nil {
		cfg.Quota.Limits = map[string]int{}
	}
	for action, limit := range DefaultQuotaLimits() {
		if _, ok := cfg.Quota.Limits[action]; !ok {
			cfg.Quota.Limits[action] = limit
		}
	}
	if cfg.Quota.MaxTextTokens <= 0 {
		cfg.Quota.MaxTextTokens = 300
	}

	cfg.Intake.BurstWindow = orDefault(cfg.Intake.BurstWindow, time.Minute)
}

// DefaultQuotaLimits are the per-action daily limits used when the file sets none.
func DefaultQuotaLimits() map[string]int {
	return map[string]int{
		"image_uploads": 20,
		"text_analyses": 50,
		"barcode_scans": 50,
	}
}

// Validate performs the minimal checks needed to start.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.URL == "" {
			return errors.New("database.url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if _, err := time.LoadLocation(c.Quota.DefaultTimezone); err != nil {
		return fmt.Errorf("quota.default_timezone: %w", err)
	}
	if c.Queue.BatchSize > 1000 {
		return errors.New("queue.batch_size must be at most 1000")
	}
	return nil
}

// WithDefaults returns a copy with every unset limit filled in.
func (a AdmissionConfig) WithDefaults() AdmissionConfig {
	if a.GlobalMaxInFlight <= 0 {
		a.GlobalMaxInFlight = 16
	}
	if a.PerUserMaxInFlight <= 0 {
		a.PerUserMaxInFlight = 1
	}
	a.CallTimeout = orDefault(a.CallTimeout, 15*time.Second)
	a.DedupeTTL = orDefault(a.DedupeTTL, 5*time.Second)
	a.IdempotencyTTL = orDefault(a.IdempotencyTTL, time.Minute)
	a.SweepInterval = orDefault(a.SweepInterval, 10*time.Second)
	if a.BreakerThreshold <= 0 {
		a.BreakerThreshold = 10
	}
	a.BreakerWindow = orDefault(a.BreakerWindow, time.Minute)
	a.BreakerCooldown = orDefault(a.BreakerCooldown, 30*time.Second)
	return a
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
