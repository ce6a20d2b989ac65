// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	// StreamInterval paces the protection status websocket feed.
	StreamInterval time.Duration `yaml:"streamInterval"`
	// TrustForwardedFor keys webhook rate limits on X-Forwarded-For. Enable
	// only behind a proxy that overwrites the header.
	TrustForwardedFor bool `yaml:"trustForwardedFor"`
	// AdminToken guards bypass issuance and job re-runs. Empty disables both routes.
	AdminToken string `yaml:"adminToken"`
}

// RateLimitConfig bounds inbound notifications per provider and source.
type RateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
	Burst     int `yaml:"burst"`
}

// WebhookProviderConfig holds the shared secret of one provider. The secret is
// the channel token (google), client state (microsoft), signing secret (zoom)
// or API key (caldav).
type WebhookProviderConfig struct {
	Secret    string          `yaml:"secret"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// WebhooksConfig configures inbound webhook handling.
type WebhooksConfig struct {
	Providers        map[string]WebhookProviderConfig `yaml:"providers"`
	DefaultRateLimit RateLimitConfig                  `yaml:"defaultRateLimit"`
	LimiterIdle      time.Duration                    `yaml:"limiterIdle"`
}

// Provider returns the configuration of a provider by name.
func (c WebhooksConfig) Provider(name string) WebhookProviderConfig {
	return c.Providers[normalizeProviderName(name)]
}

// QueueConfig sizes the job queue.
type QueueConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	RetrySweepInterval time.Duration `yaml:"retrySweepInterval"`
	CleanupInterval    time.Duration `yaml:"cleanupInterval"`
	Retention          time.Duration `yaml:"retention"`
	JobTimeout         time.Duration `yaml:"jobTimeout"`
	StaleClaimAfter    time.Duration `yaml:"staleClaimAfter"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	BaseBackoff        time.Duration `yaml:"baseBackoff"`
	MaxBackoff         time.Duration `yaml:"maxBackoff"`
}

// ProtectionConfig tunes breakers, throttles and bypass tokens.
type ProtectionConfig struct {
	FailureThreshold   int           `yaml:"failureThreshold"`
	VolumeThreshold    int           `yaml:"volumeThreshold"`
	RecoveryTimeout    time.Duration `yaml:"recoveryTimeout"`
	SuccessThreshold   int           `yaml:"successThreshold"`
	HalfOpenProbes     int           `yaml:"halfOpenProbes"`
	BaseDelay          time.Duration `yaml:"baseDelay"`
	MaxDelay           time.Duration `yaml:"maxDelay"`
	AdaptationFactor   float64       `yaml:"adaptationFactor"`
	HealthResetPeriod  time.Duration `yaml:"healthResetPeriod"`
	ThrottleDecayEvery time.Duration `yaml:"throttleDecayEvery"`
	BypassTTL          time.Duration `yaml:"bypassTTL"`
	// LocalRatePerSecond caps outbound calls per provider; zero disables it.
	LocalRatePerSecond float64 `yaml:"localRatePerSecond"`
	LocalBurst         int     `yaml:"localBurst"`
	PersistBreakers    bool    `yaml:"persistBreakers"`
}

// ConflictsConfig tunes the conflict engine and job handlers.
type ConflictsConfig struct {
	BufferMinutes   int           `yaml:"bufferMinutes"`
	DefaultStrategy string        `yaml:"defaultStrategy"`
	PendingTTL      time.Duration `yaml:"pendingTTL"`
	SkewTolerance   time.Duration `yaml:"skewTolerance"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	ImminentWindow  time.Duration `yaml:"imminentWindow"`
	SettleWindow    time.Duration `yaml:"settleWindow"`
	WorkdayStart    int           `yaml:"workdayStart"`
	WorkdayEnd      int           `yaml:"workdayEnd"`
}

// FakeProviderConfig shapes the simulated providers used by the memory backend.
type FakeProviderConfig struct {
	LatencyMin    time.Duration `yaml:"latencyMin"`
	LatencyMax    time.Duration `yaml:"latencyMax"`
	ErrorRate     float64       `yaml:"errorRate"`
	RateLimitRate float64       `yaml:"rateLimitRate"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/meetbridge"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified meetbridge configuration sourced from YAML.
type AppConfig struct {
	Environment Environment        `yaml:"environment"`
	Store       StoreBackend       `yaml:"store"`
	Server      ServerConfig       `yaml:"server"`
	Webhooks    WebhooksConfig     `yaml:"webhooks"`
	Queue       QueueConfig        `yaml:"queue"`
	Protection  ProtectionConfig   `yaml:"protection"`
	Conflicts   ConflictsConfig    `yaml:"conflicts"`
	Fake        FakeProviderConfig `yaml:"fake"`
	Database    DatabaseConfig     `yaml:"database"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// Default returns a configuration suitable for local development.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Store:       StoreMemory,
		Telemetry:   TelemetryConfig{ServiceName: "meetbridge", OTLPInsecure: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file. ${VAR}
// references are expanded from the environment before parsing.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// LoadOrDefault behaves like Load but falls back to Default when the path is
// empty or the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(raw []byte) (AppConfig, error) {
	expanded := os.ExpandEnv(string(raw))
	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	normalised := make(map[string]WebhookProviderConfig, len(c.Webhooks.Providers))
	for key, value := range c.Webhooks.Providers {
		name := normalizeProviderName(key)
		if _, exists := normalised[name]; exists {
			return fmt.Errorf("duplicate provider name %q", name)
		}
		value.Secret = strings.TrimSpace(value.Secret)
		normalised[name] = value
	}
	c.Webhooks.Providers = normalised

	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Store = StoreBackend(strings.ToLower(strings.TrimSpace(string(c.Store))))
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Server.AdminToken = strings.TrimSpace(c.Server.AdminToken)
	c.Conflicts.DefaultStrategy = strings.ToLower(strings.TrimSpace(c.Conflicts.DefaultStrategy))
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.applyDefaults()
	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.StreamInterval <= 0 {
		c.Server.StreamInterval = 2 * time.Second
	}
	if c.Webhooks.LimiterIdle <= 0 {
		c.Webhooks.LimiterIdle = 10 * time.Minute
	}
	if c.Webhooks.DefaultRateLimit.PerMinute <= 0 {
		c.Webhooks.DefaultRateLimit = RateLimitConfig{PerMinute: 600, Burst: 50}
	}
	if c.Conflicts.DefaultStrategy == "" {
		c.Conflicts.DefaultStrategy = "user_choice"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "meetbridge"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
		if c.Environment == EnvDev {
			c.Logging.Format = "console"
		}
	}
	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.Store {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("store must be one of memory, postgres")
	}
	for name := range c.Webhooks.Providers {
		switch name {
		case "google", "microsoft", "zoom", "caldav":
		default:
			return fmt.Errorf("webhooks: unknown provider %q", name)
		}
	}
	if c.Environment != EnvDev {
		for _, name := range []string{"google", "microsoft", "zoom", "caldav"} {
			if c.Webhooks.Provider(name).Secret == "" {
				return fmt.Errorf("webhooks: %s secret required outside dev", name)
			}
		}
	}
	switch c.Conflicts.DefaultStrategy {
	case "user_choice", "priority_based", "time_based", "automatic", "newest_wins":
	default:
		return fmt.Errorf("conflicts: unknown default strategy %q", c.Conflicts.DefaultStrategy)
	}
	if c.Conflicts.BufferMinutes < 0 {
		return fmt.Errorf("conflicts: bufferMinutes must be >=0")
	}
	if c.Queue.Concurrency < 0 || c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue: concurrency and maxAttempts must be >=0")
	}
	if c.Fake.ErrorRate < 0 || c.Fake.ErrorRate > 1 || c.Fake.RateLimitRate < 0 || c.Fake.RateLimitRate > 1 {
		return fmt.Errorf("fake: rates must be within [0,1]")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging: format must be json or console")
	}
	if c.Store == StorePostgres {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
