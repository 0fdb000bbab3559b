package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	// Backing services
	RedisURL     string
	DatabaseURL  string
	BackendURL   string
	BackendKey   string
	LocalDataDir string

	// Auth lifecycle tuning
	AuthTimeout        time.Duration
	SessionCacheTTL    time.Duration
	StalenessThreshold time.Duration
	MaxRetryAttempts   int
	RetryBackoffBase   time.Duration
	ValidationInterval time.Duration

	// Connectivity monitor tuning
	HealthCheckInterval  time.Duration
	LatencyInterval      time.Duration
	ProbeTimeout         time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		BackendURL:   getEnv("AUTH_BACKEND_URL", ""),
		BackendKey:   getEnv("AUTH_BACKEND_KEY", ""),
		LocalDataDir: getEnv("LOCAL_DATA_DIR", "data"),

		AuthTimeout:        getDuration("AUTH_TIMEOUT_MS", 10*time.Second),
		SessionCacheTTL:    getDuration("SESSION_CACHE_TTL_MS", 30*time.Minute),
		StalenessThreshold: getDuration("SESSION_STALENESS_MS", 7*24*time.Hour),
		MaxRetryAttempts:   getInt("AUTH_MAX_RETRY_ATTEMPTS", 3),
		RetryBackoffBase:   getDuration("RETRY_BACKOFF_BASE_MS", 500*time.Millisecond),
		ValidationInterval: getDuration("SESSION_VALIDATION_INTERVAL_MS", 5*time.Minute),

		HealthCheckInterval:  getDuration("HEALTH_CHECK_INTERVAL_MS", 30*time.Second),
		LatencyInterval:      getDuration("LATENCY_CHECK_INTERVAL_MS", 2*time.Minute),
		ProbeTimeout:         getDuration("PROBE_TIMEOUT_MS", 5*time.Second),
		ReconnectBaseDelay:   getDuration("RECONNECT_BASE_DELAY_MS", time.Second),
		ReconnectMaxDelay:    getDuration("RECONNECT_MAX_DELAY_MS", 30*time.Second),
		ReconnectMaxAttempts: getInt("RECONNECT_MAX_ATTEMPTS", 10),
	}

	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("AUTH_BACKEND_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MaxRetryAttempts < 1 {
		return nil, fmt.Errorf("AUTH_MAX_RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.ReconnectBaseDelay > cfg.ReconnectMaxDelay {
		return nil, fmt.Errorf("RECONNECT_BASE_DELAY_MS must not exceed RECONNECT_MAX_DELAY_MS")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
