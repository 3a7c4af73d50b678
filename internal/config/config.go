package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the engine and surface configuration.
type Config struct {
	Addr            string        `yaml:"addr" env:"FAILMON_ADDR"`
	StateDSN        string        `yaml:"state_dsn" env:"FAILMON_STATE_DSN"`
	DataDir         string        `yaml:"data_dir" env:"FAILMON_DATA_DIR"`
	BackendProfile  string        `yaml:"backend_profile" env:"FAILMON_BACKEND_PROFILE"`
	PostgresDSN     string        `yaml:"postgres_dsn" env:"FAILMON_POSTGRES_DSN"`
	MaxRecords      int           `yaml:"max_records" env:"FAILMON_MAX_RECORDS"`
	JWTSecret       string        `yaml:"jwt_secret" env:"FAILMON_JWT_SECRET"`
	RateLimitMax    int           `yaml:"rate_limit_max" env:"FAILMON_RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"FAILMON_RATE_LIMIT_WINDOW"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"FAILMON_MAX_BODY_BYTES"`
	WatchStateFile  bool          `yaml:"watch_state_file" env:"FAILMON_WATCH_STATE_FILE"`
	Debug           bool          `yaml:"debug" env:"FAILMON_DEBUG"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"FAILMON_ALLOWED_ORIGINS"`
}

// DefaultConfig returns the defaults applied before the file and environment.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		DataDir:         ".failmon",
		MaxRecords:      500,
		RateLimitMax:    0,
		RateLimitWindow: time.Minute,
		MaxBodyBytes:    1 << 20,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.MaxRecords <= 0 {
		return fmt.Errorf("max_records must be positive, got %d", c.MaxRecords)
	}
	if c.RateLimitMax < 0 {
		return fmt.Errorf("rate_limit_max must not be negative, got %d", c.RateLimitMax)
	}
	if c.RateLimitMax > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate_limit_window must be positive when rate limiting is on")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative, got %d", c.MaxBodyBytes)
	}
	if _, err := c.ResolveStateDSN(); err != nil {
		return err
	}
	return nil
}

// ResolveStateDSN picks the state backend: an explicit StateDSN wins, then
// the backend profile, then the in-memory backend.
func (c Config) ResolveStateDSN() (string, error) {
	if dsn := strings.TrimSpace(c.StateDSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".failmon"
	}
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	switch profile {
	case "", "custom", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "failures.json"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "failures.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" {
			return "", fmt.Errorf("FAILMON_POSTGRES_DSN is required when FAILMON_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported FAILMON_BACKEND_PROFILE: %s", profile)
	}
}
