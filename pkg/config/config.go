// Package config loads runtime settings from environment variables, with
// optional per-tenant YAML profiles for policy overrides.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	RedisURL     string
	OTLPEndpoint string
	ProfilesDir  string

	TokenTTL   time.Duration
	ClockSkew  time.Duration
	RywMaxWait time.Duration

	IdempotencyTTL time.Duration
	DedupeTTL      time.Duration

	OutboxBatchSize           int
	OutboxQuarantineThreshold int
	PublishedRetention        time.Duration

	HmacClockSkew time.Duration
	MaxBodyBytes  int64
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	return &Config{
		Port:         getenv("PORT", "8080"),
		LogLevel:     getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:  getenv("DATABASE_URL", "postgres://platform@localhost:5432/platform?sslmode=disable"),
		RedisURL:     getenv("REDIS_URL", ""),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ProfilesDir:  getenv("TENANT_PROFILES_DIR", ""),

		TokenTTL:   getduration("CONSISTENCY_TOKEN_TTL", 5*time.Minute),
		ClockSkew:  getduration("CONSISTENCY_CLOCK_SKEW", 30*time.Second),
		RywMaxWait: getduration("RYW_MAX_WAIT", 2*time.Second),

		IdempotencyTTL: getduration("IDEMPOTENCY_TTL", 24*time.Hour),
		DedupeTTL:      getduration("DEDUPE_TTL", 7*24*time.Hour),

		OutboxBatchSize:           getint("OUTBOX_BATCH_SIZE", 100),
		OutboxQuarantineThreshold: getint("OUTBOX_QUARANTINE_THRESHOLD", 10),
		PublishedRetention:        getduration("OUTBOX_PUBLISHED_RETENTION", 24*time.Hour),

		HmacClockSkew: getduration("HMAC_CLOCK_SKEW", 5*time.Minute),
		MaxBodyBytes:  getint64("MAX_BODY_BYTES", 1<<20),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getint64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
