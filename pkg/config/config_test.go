package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("AAACTL_TEST_VAR", "custom")

	assert.Equal(t, "custom", getEnv("AAACTL_TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("AAACTL_TEST_VAR_NOT_SET", "default"))
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"true", "true", false, true},
		{"TRUE", "TRUE", false, true},
		{"1", "1", false, true},
		{"false", "false", true, false},
		{"garbage", "yes", true, false},
		{"unset", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AAACTL_TEST_BOOL", tt.envValue)
			assert.Equal(t, tt.want, getEnvBool("AAACTL_TEST_BOOL", tt.defaultValue))
		})
	}
}

func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("AAACTL_TEST_INT", "42")
	t.Setenv("AAACTL_TEST_BAD_INT", "forty-two")
	t.Setenv("AAACTL_TEST_FLOAT", "2.5")
	t.Setenv("AAACTL_TEST_DURATION", "90s")
	t.Setenv("AAACTL_TEST_BAD_DURATION", "soon")

	assert.Equal(t, 42, getEnvInt("AAACTL_TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("AAACTL_TEST_BAD_INT", 1))
	assert.Equal(t, 2.5, getEnvFloat("AAACTL_TEST_FLOAT", 1))
	assert.Equal(t, 90*time.Second, getEnvDuration("AAACTL_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("AAACTL_TEST_BAD_DURATION", time.Second))
}

func TestParseURLs(t *testing.T) {
	got := parseURLs(" peerctl=https://peerctl.example , ixctl=https://ixctl.example,broken,=nope,")
	assert.Equal(t, map[string]string{
		"peerctl": "https://peerctl.example",
		"ixctl":   "https://ixctl.example",
	}, got)

	assert.Empty(t, parseURLs(""))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, "0 3 * * *", cfg.Billing.Schedule)
	assert.Equal(t, "USD", cfg.Billing.Currency)
	assert.Equal(t, 4, cfg.Billing.UsageWorkers)
	assert.Equal(t, 4, cfg.Tasks.Workers)
	assert.Equal(t, 5, cfg.Tasks.Retry.MaxAttempts)
	assert.Equal(t, ":9090", cfg.Observability.OpsAddr)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.False(t, cfg.Observability.OTelEnabled)
	assert.Empty(t, cfg.Bridge.URLs)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("AAACTL_DATABASE_URL", "postgres://localhost/aaactl")
	t.Setenv("AAACTL_DB_MAX_CONNS", "25")
	t.Setenv("AAACTL_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("AAACTL_TASK_WORKERS", "8")
	t.Setenv("AAACTL_TASK_MAX_ATTEMPTS", "3")
	t.Setenv("AAACTL_BILLING_SCHEDULE", "@hourly")
	t.Setenv("AAACTL_BILLING_CURRENCY", "eur")
	t.Setenv("AAACTL_BRIDGE_URLS", "peerctl=https://peerctl.example")
	t.Setenv("AAACTL_BRIDGE_CLIENT_ID", "aaactl")
	t.Setenv("AAACTL_BRIDGE_TOKEN_URL", "https://account.example/oauth/token")
	t.Setenv("AAACTL_BRIDGE_RATE_LIMIT", "2.5")
	t.Setenv("AAACTL_SEED_FILE", "/etc/aaactl/seed.yaml")
	t.Setenv("AAACTL_SEED_WATCH", "true")
	t.Setenv("AAACTL_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/aaactl", cfg.Database.URL)
	assert.Equal(t, 25, cfg.Database.MaxConns)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)
	assert.Equal(t, 8, cfg.Tasks.Workers)
	assert.Equal(t, 3, cfg.Tasks.Retry.MaxAttempts)
	assert.Equal(t, "@hourly", cfg.Billing.Schedule)
	assert.Equal(t, "EUR", cfg.Billing.Currency)
	assert.Equal(t, map[string]string{"peerctl": "https://peerctl.example"}, cfg.Bridge.URLs)
	assert.Equal(t, "aaactl", cfg.Bridge.ClientID)
	assert.Equal(t, 2.5, cfg.Bridge.RateLimit)
	assert.Equal(t, SeedConfig{File: "/etc/aaactl/seed.yaml", Watch: true}, cfg.Seed)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Tasks:   loadTasksConfig(),
			Billing: loadBillingConfig(),
			Bridge:  loadBridgeConfig(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Tasks.Workers = 0 },
			wantErr: "task workers",
		},
		{
			name:    "no attempts",
			mutate:  func(c *Config) { c.Tasks.Retry.MaxAttempts = 0 },
			wantErr: "max attempts",
		},
		{
			name:    "bad schedule",
			mutate:  func(c *Config) { c.Billing.Schedule = "every day" },
			wantErr: "invalid billing schedule",
		},
		{
			name:    "bad currency",
			mutate:  func(c *Config) { c.Billing.Currency = "DOLLARS" },
			wantErr: "invalid billing currency",
		},
		{
			name:    "client id without token url",
			mutate:  func(c *Config) { c.Bridge.ClientID = "aaactl" },
			wantErr: "token URL",
		},
		{
			name:    "seed watch without file",
			mutate:  func(c *Config) { c.Seed.Watch = true },
			wantErr: "seed file",
		},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = "aaactl"
			},
			wantErr: "endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
