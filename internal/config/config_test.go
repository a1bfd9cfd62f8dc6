package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 0\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Queue.Concurrency != 2 {
		t.Errorf("Queue.Concurrency = %d, want 2", cfg.Queue.Concurrency)
	}
	if cfg.Dispatch.LockTTL() != 5*time.Minute {
		t.Errorf("LockTTL = %s, want 5m", cfg.Dispatch.LockTTL())
	}
	if cfg.Provider.Timeout() != 30*time.Second {
		t.Errorf("Provider.Timeout = %s, want 30s", cfg.Provider.Timeout())
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Dispatch.MaxAttempts)
	}
}

func TestLoad_ExplicitValues(t *testing.T) {
	path := writeConfigFile(t, `
server:
  host: 127.0.0.1
  port: 9090
provider:
  base_url: https://api.example.com
  plan: starter
  timeout_seconds: 10
queue:
  concurrency: 4
dispatch:
  lock_ttl_minutes: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:9090" {
		t.Errorf("Addr = %q", cfg.Server.Addr())
	}
	if cfg.Provider.Plan != "starter" {
		t.Errorf("Plan = %q, want starter", cfg.Provider.Plan)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Queue.Concurrency)
	}
	if cfg.Dispatch.LockTTL() != 10*time.Minute {
		t.Errorf("LockTTL = %s, want 10m", cfg.Dispatch.LockTTL())
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/dispatch")
	t.Setenv("PROVIDER_API_KEY", "key-from-env")
	t.Setenv("UNSUBSCRIBE_SECRET", "hush")
	t.Setenv("LOCK_TTL_MINUTES", "7")
	t.Setenv("BREAKER_COOLDOWN_SECONDS", "30")

	cfg, err := LoadFromEnv("")
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Database.URL != "postgres://env/dispatch" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Provider.APIKey != "key-from-env" {
		t.Errorf("Provider.APIKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Tracking.SigningKey != "hush" {
		t.Errorf("Tracking.SigningKey = %q", cfg.Tracking.SigningKey)
	}
	if cfg.Dispatch.LockTTLMinutes != 7 {
		t.Errorf("LockTTLMinutes = %d, want 7", cfg.Dispatch.LockTTLMinutes)
	}
	if cfg.Provider.Cooldown() != 30*time.Second {
		t.Errorf("Cooldown = %s, want 30s", cfg.Provider.Cooldown())
	}
}

func TestLoadFromEnv_TLSRedis(t *testing.T) {
	t.Setenv("REDIS_TLS_URL", "rediss://secure:6380")

	cfg, err := LoadFromEnv("")
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Redis.URL != "rediss://secure:6380" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
	if !cfg.Redis.TLS {
		t.Error("Redis.TLS = false, want true")
	}
}
