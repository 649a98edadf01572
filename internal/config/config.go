package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the concierge live service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Live session client settings.
	LiveURL               string
	OpenTimeout           time.Duration
	ReconnectInitialDelay time.Duration
	MaxReconnectAttempts  int

	// Budget policy.
	BudgetSessionTTL       time.Duration
	BudgetSessionMaxTokens int
	BudgetRequestMaxTokens int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "concierge"),
		AllowAnyOrigin:   false,
		LiveURL:          envOrDefault("LIVE_WS_URL", "ws://localhost:8080/v1/live/ws"),
		// Bound the wait for the transport to reach open before a session start fails.
		OpenTimeout: 5 * time.Second,
		// Randomized to roughly 1-3s per attempt to avoid thundering-herd reconnects.
		ReconnectInitialDelay:  2 * time.Second,
		MaxReconnectAttempts:   5,
		ShutdownTimeout:        15 * time.Second,
		BudgetSessionTTL:       24 * time.Hour,
		BudgetSessionMaxTokens: 50000,
		BudgetRequestMaxTokens: 15000,
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenTimeout, err = durationFromEnv("LIVE_OPEN_TIMEOUT", cfg.OpenTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectInitialDelay, err = durationFromEnv("LIVE_RECONNECT_DELAY", cfg.ReconnectInitialDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxReconnectAttempts, err = intFromEnv("LIVE_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.BudgetSessionTTL, err = durationFromEnv("BUDGET_SESSION_TTL", cfg.BudgetSessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.BudgetSessionMaxTokens, err = intFromEnv("BUDGET_SESSION_MAX_TOKENS", cfg.BudgetSessionMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.BudgetRequestMaxTokens, err = intFromEnv("BUDGET_REQUEST_MAX_TOKENS", cfg.BudgetRequestMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.OpenTimeout < time.Second {
		return Config{}, fmt.Errorf("LIVE_OPEN_TIMEOUT must be at least 1s")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return Config{}, fmt.Errorf("LIVE_MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if cfg.BudgetSessionTTL < time.Minute {
		return Config{}, fmt.Errorf("BUDGET_SESSION_TTL must be at least 1m")
	}
	if cfg.BudgetSessionMaxTokens <= 0 {
		return Config{}, fmt.Errorf("BUDGET_SESSION_MAX_TOKENS must be positive")
	}
	if cfg.BudgetRequestMaxTokens <= 0 {
		return Config{}, fmt.Errorf("BUDGET_REQUEST_MAX_TOKENS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
