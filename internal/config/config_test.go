package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitDefault)
	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 0.7, cfg.ThresholdHigh)
	assert.Equal(t, 24*time.Hour, cfg.BanDuration)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "RATE_LIMIT_DEFAULT", "120")
	setEnv(t, "RATE_LIMIT_WINDOW", "30s")
	setEnv(t, "THRESHOLD_HIGH", "0.65")
	setEnv(t, "BLOCK_DURATION", "15m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 120, cfg.RateLimitDefault)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 0.65, cfg.ThresholdHigh)
	assert.Equal(t, 15*time.Minute, cfg.BlockDuration)
}

func TestLoad_RejectsDisorderedThresholds(t *testing.T) {
	setEnv(t, "THRESHOLD_MEDIUM", "0.2") // below THRESHOLD_LOW's default 0.3

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "THRESHOLD_MEDIUM")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			RateLimitDefault:  60,
			RateLimitWindow:   time.Minute,
			BurstMultiplier:   2,
			ThresholdLow:      0.3,
			ThresholdMedium:   0.5,
			ThresholdHigh:     0.7,
			ThresholdCritical: 0.9,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"zero rate limit", func(c *Config) { c.RateLimitDefault = 0 }, "RATE_LIMIT_DEFAULT"},
		{"zero window", func(c *Config) { c.RateLimitWindow = 0 }, "RATE_LIMIT_WINDOW"},
		{"burst below one", func(c *Config) { c.BurstMultiplier = 0.5 }, "BURST_MULTIPLIER"},
		{"threshold above one", func(c *Config) { c.ThresholdCritical = 1.2 }, "THRESHOLD_CRITICAL"},
		{"thresholds out of order", func(c *Config) { c.ThresholdHigh = 0.4 }, "THRESHOLD_HIGH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_INVALID", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_INVALID", time.Minute))
}
