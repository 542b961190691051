package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fullctl/aaactl-sub000/pkg/billing"
	"github.com/fullctl/aaactl-sub000/pkg/bridge"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/storage"
	"github.com/fullctl/aaactl-sub000/pkg/tasks"
)

// Config holds all application configuration
type Config struct {
	// Database configuration; an empty URL selects the in-memory stores
	Database storage.ConnectionConfig

	Redis RedisConfig
	Tasks tasks.Config

	Billing BillingConfig
	Bridge  bridge.Config
	Seed    SeedConfig

	Observability ObservabilityConfig
}

// RedisConfig configures the cross-process task lock
type RedisConfig struct {
	URL    string
	Prefix string
}

// BillingConfig holds billing run settings
type BillingConfig struct {
	// Schedule is the cron expression for the periodic billing run
	Schedule     string
	Currency     string
	UsageWorkers int

	StripeSecretKey string
	StripeAPIURL    string
	StripeTimeout   time.Duration
}

// SeedConfig points at the YAML seed declaring roles, managed permissions
// and products
type SeedConfig struct {
	File  string
	Watch bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Ops server serving health probes and metrics
	OpsAddr         string
	ShutdownTimeout time.Duration

	LogLevel       observability.LogLevel
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel returns the OpenTelemetry settings
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Tasks:         loadTasksConfig(),
		Billing:       loadBillingConfig(),
		Bridge:        loadBridgeConfig(),
		Seed:          loadSeedConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadDatabaseConfig() storage.ConnectionConfig {
	return storage.ConnectionConfig{
		URL:      getEnv("AAACTL_DATABASE_URL", ""),
		MaxConns: getEnvInt("AAACTL_DB_MAX_CONNS", 10),
		MinConns: getEnvInt("AAACTL_DB_MIN_CONNS", 2),
		Timeout:  getEnvDuration("AAACTL_DB_TIMEOUT", 5*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:    getEnv("AAACTL_REDIS_URL", ""),
		Prefix: getEnv("AAACTL_REDIS_PREFIX", "aaactl:lock:"),
	}
}

func loadTasksConfig() tasks.Config {
	cfg := tasks.DefaultConfig()
	cfg.Workers = getEnvInt("AAACTL_TASK_WORKERS", cfg.Workers)
	cfg.Timeout = getEnvDuration("AAACTL_TASK_TIMEOUT", cfg.Timeout)
	cfg.LockTTL = getEnvDuration("AAACTL_REDIS_LOCK_TTL", cfg.LockTTL)
	cfg.Retry.MaxAttempts = getEnvInt("AAACTL_TASK_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.InitialDelay = getEnvDuration("AAACTL_TASK_INITIAL_DELAY", cfg.Retry.InitialDelay)
	cfg.Retry.MaxDelay = getEnvDuration("AAACTL_TASK_MAX_DELAY", cfg.Retry.MaxDelay)
	return cfg
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		Schedule:        getEnv("AAACTL_BILLING_SCHEDULE", "0 3 * * *"),
		Currency:        strings.ToUpper(getEnv("AAACTL_BILLING_CURRENCY", billing.DefaultCurrency)),
		UsageWorkers:    getEnvInt("AAACTL_BILLING_USAGE_WORKERS", billing.DefaultOrchestratorConfig().UsageWorkers),
		StripeSecretKey: getEnv("AAACTL_STRIPE_SECRET_KEY", ""),
		StripeAPIURL:    getEnv("AAACTL_STRIPE_API_URL", "https://api.stripe.com"),
		StripeTimeout:   getEnvDuration("AAACTL_STRIPE_TIMEOUT", 30*time.Second),
	}
}

func loadBridgeConfig() bridge.Config {
	cfg := bridge.DefaultConfig()
	cfg.URLs = parseURLs(getEnv("AAACTL_BRIDGE_URLS", ""))
	cfg.TokenURL = getEnv("AAACTL_BRIDGE_TOKEN_URL", "")
	cfg.ClientID = getEnv("AAACTL_BRIDGE_CLIENT_ID", "")
	cfg.ClientSecret = getEnv("AAACTL_BRIDGE_CLIENT_SECRET", "")
	cfg.Timeout = getEnvDuration("AAACTL_BRIDGE_TIMEOUT", cfg.Timeout)
	cfg.RateLimit = getEnvFloat("AAACTL_BRIDGE_RATE_LIMIT", cfg.RateLimit)
	cfg.CacheTTL = getEnvDuration("AAACTL_BRIDGE_CACHE_TTL", cfg.CacheTTL)
	return cfg
}

func loadSeedConfig() SeedConfig {
	return SeedConfig{
		File:  getEnv("AAACTL_SEED_FILE", ""),
		Watch: getEnvBool("AAACTL_SEED_WATCH", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		OpsAddr:            getEnv("AAACTL_OPS_ADDR", ":9090"),
		ShutdownTimeout:    getEnvDuration("AAACTL_SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:           observability.ParseLevel(getEnv("AAACTL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("AAACTL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("AAACTL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("AAACTL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("AAACTL_OTEL_SERVICE_NAME", "aaactl"),
		OTelServiceVersion: getEnv("AAACTL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("AAACTL_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("AAACTL_OTEL_SAMPLE_RATIO", 1),
	}
}

// parseURLs parses "component=url,component=url"
func parseURLs(s string) map[string]string {
	urls := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || url == "" {
			continue
		}
		urls[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	return urls
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("task workers must be positive")
	}
	if c.Tasks.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("task max attempts must be positive")
	}
	if c.Billing.UsageWorkers <= 0 {
		return fmt.Errorf("billing usage workers must be positive")
	}
	if len(c.Billing.Currency) != 3 {
		return fmt.Errorf("invalid billing currency: %q", c.Billing.Currency)
	}
	if _, err := cron.ParseStandard(c.Billing.Schedule); err != nil {
		return fmt.Errorf("invalid billing schedule %q: %w", c.Billing.Schedule, err)
	}
	if c.Bridge.ClientID != "" && c.Bridge.TokenURL == "" {
		return fmt.Errorf("bridge token URL is required when a client ID is set")
	}
	if c.Seed.Watch && c.Seed.File == "" {
		return fmt.Errorf("seed file is required when seed watch is enabled")
	}

	if c.Observability.OTelEnabled {
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
