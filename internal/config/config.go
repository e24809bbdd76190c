// Package config assembles service configuration from the environment. A
// .env file in the working directory, when present, is loaded first and
// never overrides variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/database"
	"github.com/saferoute/saferoute/internal/storage"
	"github.com/saferoute/saferoute/internal/telemetry"
	"github.com/saferoute/saferoute/internal/worker"
)

// EnvProduction is the APP_ENV value that enables strict validation.
const EnvProduction = "production"

// Config is the full service configuration.
type Config struct {
	App       AppConfig
	Telemetry telemetry.Config
	Storage   storage.Config
	SafetyAPI SafetyAPIConfig
	Cache     CacheConfig
	Admin     AdminConfig
	PubSub    PubSubConfig
	Worker    WorkerConfig
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Port       string
	Env        string
	LogLevel   zerolog.Level
	RequireTLS bool

	// InstanceID tags cache events published by this process so it can
	// ignore its own messages. Defaults to a random UUID.
	InstanceID string

	ShutdownTimeout time.Duration
}

// SafetyAPIConfig points at the safety backend.
type SafetyAPIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// CacheConfig tunes the tip and heatmap caches.
type CacheConfig struct {
	TipTTL            time.Duration
	TipMaxEntries     int
	HeatmapTTL        time.Duration
	HeatmapMaxEntries int
}

// AdminConfig configures operator tokens. Admin routes are disabled without a signing key.
type AdminConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
}

// Enabled reports whether admin routes should be mounted.
func (c AdminConfig) Enabled() bool {
	return c.SigningKey != ""
}

// PubSubConfig configures cross-instance cache events. Disabled without a project.
type PubSubConfig struct {
	ProjectID string
	Topic     string

	// Subscription is this API instance's own subscription to Topic. When
	// empty the API publishes invalidations but does not receive them.
	Subscription string

	// JobsSubscription is consumed by the worker process.
	JobsSubscription string
}

// Enabled reports whether Pub/Sub is configured.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != ""
}

// WorkerConfig configures background jobs.
type WorkerConfig struct {
	SweepInterval time.Duration
	Warmup        worker.WarmupConfig
	WarmupOnStart bool
}

// Load reads .env, if present, and then the environment.
func Load(serviceName, version string) (*Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv(serviceName, version)
}

// FromEnv builds a Config from environment variables and validates it.
func FromEnv(serviceName, version string) (*Config, error) {
	p := &parser{}

	cfg := &Config{
		App: AppConfig{
			Port:            getEnvOrDefault("APP_PORT", "8080"),
			Env:             getEnvOrDefault("APP_ENV", "development"),
			LogLevel:        p.level("LOG_LEVEL", zerolog.InfoLevel),
			RequireTLS:      p.boolean("REQUIRE_TLS", false),
			InstanceID:      getEnvOrDefault("INSTANCE_ID", uuid.NewString()),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Storage: storage.Config{
			Backend: strings.ToLower(getEnvOrDefault("CACHE_BACKEND", storage.BackendMemory)),
			Redis: storage.RedisConfig{
				Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
				Port:     p.integer("REDIS_PORT", 6379),
				Password: os.Getenv("REDIS_PASSWORD"),
				DB:       p.integer("REDIS_DB", 0),
			},
			Database: database.ConfigFromEnv(),
		},
		SafetyAPI: SafetyAPIConfig{
			BaseURL: strings.TrimRight(os.Getenv("SAFETY_API_URL"), "/"),
			APIKey:  os.Getenv("SAFETY_API_KEY"),
			Timeout: p.duration("SAFETY_API_TIMEOUT", 12*time.Second),
		},
		Cache: CacheConfig{
			TipTTL:            p.duration("TIP_CACHE_TTL", 5*time.Minute),
			TipMaxEntries:     p.integer("TIP_CACHE_MAX_ENTRIES", 50),
			HeatmapTTL:        p.duration("HEATMAP_CACHE_TTL", 10*time.Minute),
			HeatmapMaxEntries: p.integer("HEATMAP_CACHE_MAX_ENTRIES", 20),
		},
		Admin: AdminConfig{
			SigningKey: os.Getenv("ADMIN_JWT_SIGNING_KEY"),
			Issuer:     getEnvOrDefault("ADMIN_JWT_ISSUER", "saferoute"),
			Audience:   getEnvOrDefault("ADMIN_JWT_AUDIENCE", "saferoute-admin"),
		},
		PubSub: PubSubConfig{
			ProjectID:        os.Getenv("PUBSUB_PROJECT_ID"),
			Topic:            getEnvOrDefault("PUBSUB_TOPIC", "saferoute-cache-events"),
			Subscription:     os.Getenv("PUBSUB_SUBSCRIPTION"),
			JobsSubscription: getEnvOrDefault("PUBSUB_JOBS_SUBSCRIPTION", "saferoute-worker"),
		},
		Worker: WorkerConfig{
			SweepInterval: p.duration("SWEEP_INTERVAL", worker.DefaultSweepInterval),
			Warmup:        worker.DefaultWarmupConfig(),
			WarmupOnStart: p.boolean("WARMUP_ON_START", false),
		},
	}

	cfg.Telemetry = telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.App.Env,
		OTLPEndpoint:   getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Enabled:        p.boolean("OTEL_ENABLED", false),
		SampleRatio:    p.float("OTEL_SAMPLE_RATIO", 1),
	}

	if raw := os.Getenv("WARMUP_HOTSPOTS"); raw != "" {
		hotspots, err := worker.ParseHotspots(raw)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("WARMUP_HOTSPOTS: %w", err))
		} else {
			cfg.Worker.Warmup.Hotspots = hotspots
		}
	}
	cfg.Worker.Warmup.Concurrency = p.integer("WARMUP_CONCURRENCY", cfg.Worker.Warmup.Concurrency)

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.SafetyAPI.BaseURL == "" {
		errs = append(errs, errors.New("SAFETY_API_URL is required"))
	} else if !strings.HasPrefix(c.SafetyAPI.BaseURL, "http://") && !strings.HasPrefix(c.SafetyAPI.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("SAFETY_API_URL %q must be an http(s) URL", c.SafetyAPI.BaseURL))
	}

	switch c.Storage.Backend {
	case storage.BackendMemory, storage.BackendRedis, storage.BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND %q must be memory, redis or postgres", c.Storage.Backend))
	}

	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATIO %v must be within [0, 1]", r))
	}
	if c.Worker.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}

	if c.App.Env == EnvProduction {
		if c.Admin.Enabled() && len(c.Admin.SigningKey) < 32 {
			errs = append(errs, errors.New("ADMIN_JWT_SIGNING_KEY must be at least 32 bytes in production"))
		}
		if c.Storage.Backend == storage.BackendMemory && c.PubSub.Enabled() {
			errs = append(errs, errors.New("CACHE_BACKEND=memory cannot share caches across instances; use redis or postgres with Pub/Sub"))
		}
	}

	return errors.Join(errs...)
}

// NewLogger returns the process logger at the configured level.
func NewLogger(app AppConfig, serviceName, version string) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(app.LogLevel).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Str("instance_id", app.InstanceID).
		Logger()
}

// parser collects parse errors so every bad variable is reported at once.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) boolean(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) level(key string, def zerolog.Level) zerolog.Level {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return lvl
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
