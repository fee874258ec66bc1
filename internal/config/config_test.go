package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUTH_DISABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.EngineMode != "auto" {
		t.Fatalf("EngineMode = %q, want %q", cfg.EngineMode, "auto")
	}
	if cfg.EngineHTTPURL != "" {
		t.Fatalf("EngineHTTPURL = %q, want empty default", cfg.EngineHTTPURL)
	}
	if cfg.ConnMaxInactive != 2*time.Minute {
		t.Fatalf("ConnMaxInactive = %v, want 2m", cfg.ConnMaxInactive)
	}
	if cfg.SessionMaxEvents != 1000 {
		t.Fatalf("SessionMaxEvents = %d, want 1000", cfg.SessionMaxEvents)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	setCoreEnvEmpty(t)

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should fail when AUTH_JWT_SECRET is empty and auth is enabled")
	}

	t.Setenv("AUTH_JWT_SECRET", "topsecret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.JWTSecret != "topsecret" {
		t.Fatalf("JWTSecret = %q, want explicit value", cfg.JWTSecret)
	}
}

func TestLoadRejectsTinyInactivityWindow(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("CONN_MAX_INACTIVE", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject CONN_MAX_INACTIVE below 5s")
	}
}

func TestLoadParsesEngineOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("ENGINE_HTTP_URL", "http://localhost:7777/turns")
	t.Setenv("ENGINE_MAX_HANDOFFS", "3")
	t.Setenv("ENGINE_EVENT_TIMEOUT", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EngineHTTPURL != "http://localhost:7777/turns" {
		t.Fatalf("EngineHTTPURL = %q, want explicit value", cfg.EngineHTTPURL)
	}
	if cfg.EngineMaxHandoffs != 3 {
		t.Fatalf("EngineMaxHandoffs = %d, want 3", cfg.EngineMaxHandoffs)
	}
	if cfg.EngineEventTimeout != 10*time.Second {
		t.Fatalf("EngineEventTimeout = %v, want 10s", cfg.EngineEventTimeout)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_SCOPE",
		"AUTH_DISABLED",
		"AUTH_JWT_SECRET",
		"DATABASE_URL",
		"ENGINE_MODE",
		"ENGINE_HTTP_URL",
		"ENGINE_DEFAULT_AGENT",
		"ENGINE_EVENT_TIMEOUT",
		"ENGINE_MAX_HANDOFFS",
		"STORE_WRITE_TIMEOUT",
		"STORE_RETRY_MAX",
		"CONN_MAX_INACTIVE",
		"CONN_REAP_INTERVAL",
		"APP_SESSION_MAX_EVENTS",
		"APP_SESSION_RETENTION",
		"APP_SESSION_PURGE_INTERVAL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
