// Package config loads the dispatch engine configuration from a YAML file
// with environment variable overrides. Secrets live in the environment (or
// a local .env file); the YAML carries structural settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Provider ProviderConfig `yaml:"provider"`
	Queue    QueueConfig    `yaml:"queue"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Tracking TrackingConfig `yaml:"tracking"`
}

// ServerConfig holds the admin HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the Redis connection settings used by the job queue,
// the rate limiter, and distributed locks.
type RedisConfig struct {
	URL string `yaml:"url"`
	TLS bool   `yaml:"tls"`
}

// ProviderConfig holds the upstream transactional email provider settings.
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Plan           string `yaml:"plan"` // selects the rate-limit profile
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// Circuit breaker overrides; zero means default.
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// Timeout returns the per-call provider timeout.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Cooldown returns the breaker cooldown as a duration (0 = use default).
func (c ProviderConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// QueueConfig holds the batch queue settings.
type QueueConfig struct {
	Concurrency    int `yaml:"concurrency"`
	MaxRetries     int `yaml:"max_retries"`
	RetentionHours int `yaml:"retention_hours"`
	JobTimeoutMins int `yaml:"job_timeout_minutes"`
}

// DispatchConfig holds worker-side timing settings.
type DispatchConfig struct {
	LockTTLMinutes       int `yaml:"lock_ttl_minutes"`
	RecoveryIntervalSecs int `yaml:"recovery_interval_seconds"`
	CompletionSweepSecs  int `yaml:"completion_sweep_seconds"`
	MaxAttempts          int `yaml:"max_attempts"`
}

// LockTTL returns the work-record lock TTL.
func (c DispatchConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMinutes) * time.Minute
}

// RecoveryInterval returns the expired-lock sweep cadence.
func (c DispatchConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSecs) * time.Second
}

// CompletionSweep returns the periodic completion-check cadence.
func (c DispatchConfig) CompletionSweep() time.Duration {
	return time.Duration(c.CompletionSweepSecs) * time.Second
}

// TrackingConfig holds the settings for link construction in rendered mail.
type TrackingConfig struct {
	AppBaseURL string `yaml:"app_base_url"` // tracking pixel / click / unsubscribe base
	SigningKey string `yaml:"signing_key"`  // HMAC secret for tokens
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 30
	}
	if cfg.Provider.Plan == "" {
		cfg.Provider.Plan = "production"
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 2
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 5
	}
	if cfg.Queue.RetentionHours == 0 {
		cfg.Queue.RetentionHours = 24
	}
	if cfg.Queue.JobTimeoutMins == 0 {
		cfg.Queue.JobTimeoutMins = 10
	}
	if cfg.Dispatch.LockTTLMinutes == 0 {
		cfg.Dispatch.LockTTLMinutes = 5
	}
	if cfg.Dispatch.RecoveryIntervalSecs == 0 {
		cfg.Dispatch.RecoveryIntervalSecs = 60
	}
	if cfg.Dispatch.CompletionSweepSecs == 0 {
		cfg.Dispatch.CompletionSweepSecs = 60
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 5
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_TLS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.TLS = true
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("PROVIDER_PLAN"); v != "" {
		cfg.Provider.Plan = v
	}
	if v := os.Getenv("APP_BASE_URL"); v != "" {
		cfg.Tracking.AppBaseURL = v
	}
	if v := os.Getenv("UNSUBSCRIBE_SECRET"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	if v := os.Getenv("LOCK_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.LockTTLMinutes = n
		}
	}
	if v := os.Getenv("BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Provider.FailureThreshold = n
		}
	}
	if v := os.Getenv("BREAKER_SUCCESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Provider.SuccessThreshold = n
		}
	}
	if v := os.Getenv("BREAKER_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Provider.CooldownSeconds = n
		}
	}

	return cfg, nil
}
