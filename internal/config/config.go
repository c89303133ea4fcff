// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// State backends
	DatabaseURL string // PostgreSQL connection string for the audit trail (optional)
	RedisAddr   string // Redis host:port for shared state (optional, in-memory if not set)

	// Rate limiting
	RateLimitDefault int           // base request budget per window
	RateLimitWindow  time.Duration // sliding window size
	BurstMultiplier  float64

	// Risk thresholds on the fused score
	ThresholdLow      float64
	ThresholdMedium   float64
	ThresholdHigh     float64
	ThresholdCritical float64

	// Mitigation durations
	BlockDuration time.Duration
	BanDuration   time.Duration

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector address (optional, tracing off if not set)

	// Alerting
	AlertWebhookURL    string // webhook receiving blocked-decision events (optional)
	AlertWebhookSecret string // HMAC secret for webhook payload signing

	// Security
	AdminSecret string // Admin API secret for reset/stats endpoints
}

// Defaults
const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, audit trail stays in memory if not set
		RedisAddr:          os.Getenv("REDIS_ADDR"),   // Optional, uses in-memory store if not set
		RateLimitDefault:   int(getEnvInt64("RATE_LIMIT_DEFAULT", DefaultRateLimit)),
		RateLimitWindow:    getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		BurstMultiplier:    getEnvFloat("BURST_MULTIPLIER", 2),
		ThresholdLow:       getEnvFloat("THRESHOLD_LOW", 0.3),
		ThresholdMedium:    getEnvFloat("THRESHOLD_MEDIUM", 0.5),
		ThresholdHigh:      getEnvFloat("THRESHOLD_HIGH", 0.7),
		ThresholdCritical:  getEnvFloat("THRESHOLD_CRITICAL", 0.9),
		BlockDuration:      getEnvDuration("BLOCK_DURATION", time.Hour),
		BanDuration:        getEnvDuration("BAN_DURATION", 24*time.Hour),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.RateLimitDefault < 1 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT must be at least 1")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.BurstMultiplier < 1 {
		return fmt.Errorf("BURST_MULTIPLIER must be at least 1")
	}

	prev := 0.0
	for _, t := range []struct {
		name  string
		value float64
	}{
		{"THRESHOLD_LOW", c.ThresholdLow},
		{"THRESHOLD_MEDIUM", c.ThresholdMedium},
		{"THRESHOLD_HIGH", c.ThresholdHigh},
		{"THRESHOLD_CRITICAL", c.ThresholdCritical},
	} {
		if t.value <= 0 || t.value > 1 {
			return fmt.Errorf("%s must be in (0, 1]", t.name)
		}
		if t.value <= prev {
			return fmt.Errorf("%s must exceed the previous threshold", t.name)
		}
		prev = t.value
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
