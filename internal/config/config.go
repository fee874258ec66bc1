package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the conversation runtime.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	AppScope string

	AuthDisabled bool
	JWTSecret    string

	DatabaseURL string

	EngineMode         string
	EngineHTTPURL      string
	EngineDefaultAgent string
	EngineEventTimeout time.Duration
	EngineMaxHandoffs  int

	StoreWriteTimeout time.Duration
	StoreRetryMax     int

	ConnMaxInactive  time.Duration
	ConnReapInterval time.Duration

	SessionMaxEvents     int
	SessionRetention     time.Duration
	SessionPurgeInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "relay"),
		AllowAnyOrigin:       false,
		AppScope:             envOrDefault("APP_SCOPE", "forgeplan"),
		JWTSecret:            stringsTrimSpace("AUTH_JWT_SECRET"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		EngineMode:           envOrDefault("ENGINE_MODE", "auto"),
		EngineHTTPURL:        stringsTrimSpace("ENGINE_HTTP_URL"),
		EngineDefaultAgent:   envOrDefault("ENGINE_DEFAULT_AGENT", "concierge"),
		EngineEventTimeout:   30 * time.Second,
		EngineMaxHandoffs:    8,
		StoreWriteTimeout:    5 * time.Second,
		StoreRetryMax:        3,
		ConnMaxInactive:      2 * time.Minute,
		ConnReapInterval:     30 * time.Second,
		SessionMaxEvents:     1000,
		SessionRetention:     720 * time.Hour,
		SessionPurgeInterval: time.Hour,
		ShutdownTimeout:      15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthDisabled, err = boolFromEnv("AUTH_DISABLED", cfg.AuthDisabled)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineEventTimeout, err = durationFromEnv("ENGINE_EVENT_TIMEOUT", cfg.EngineEventTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineMaxHandoffs, err = intFromEnv("ENGINE_MAX_HANDOFFS", cfg.EngineMaxHandoffs)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreWriteTimeout, err = durationFromEnv("STORE_WRITE_TIMEOUT", cfg.StoreWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreRetryMax, err = intFromEnv("STORE_RETRY_MAX", cfg.StoreRetryMax)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnMaxInactive, err = durationFromEnv("CONN_MAX_INACTIVE", cfg.ConnMaxInactive)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnReapInterval, err = durationFromEnv("CONN_REAP_INTERVAL", cfg.ConnReapInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxEvents, err = intFromEnv("APP_SESSION_MAX_EVENTS", cfg.SessionMaxEvents)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionPurgeInterval, err = durationFromEnv("APP_SESSION_PURGE_INTERVAL", cfg.SessionPurgeInterval)
	if err != nil {
		return Config{}, err
	}

	if !cfg.AuthDisabled && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("AUTH_JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if cfg.ConnMaxInactive < 5*time.Second {
		return Config{}, fmt.Errorf("CONN_MAX_INACTIVE must be at least 5s")
	}
	if cfg.ConnReapInterval <= 0 {
		return Config{}, fmt.Errorf("CONN_REAP_INTERVAL must be positive")
	}
	if cfg.EngineMaxHandoffs <= 0 {
		return Config{}, fmt.Errorf("ENGINE_MAX_HANDOFFS must be positive")
	}
	if cfg.SessionMaxEvents <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_MAX_EVENTS must be positive")
	}
	if cfg.StoreRetryMax < 0 {
		return Config{}, fmt.Errorf("STORE_RETRY_MAX must be >= 0")
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
		return false, fmt.Errorf("%s parse error: invalid bool %q", key, v)
	}
}
