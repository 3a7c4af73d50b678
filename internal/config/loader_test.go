package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "failmon.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	got := DefaultConfig()
	if got.MaxRecords != 500 {
		t.Fatalf("MaxRecords = %d, want 500", got.MaxRecords)
	}
	if got.RateLimitWindow != time.Minute {
		t.Fatalf("RateLimitWindow = %s, want 1m", got.RateLimitWindow)
	}
	dsn, err := got.ResolveStateDSN()
	if err != nil || dsn != "memory://" {
		t.Fatalf("ResolveStateDSN() = %q, %v; want memory://", dsn, err)
	}
}

func TestLoadReturnsDefaultsWithoutFileOrEnv(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	got, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Addr != DefaultConfig().Addr || got.MaxRecords != 500 {
		t.Fatalf("Load() = %#v, want defaults", got)
	}
}

func TestLoadReadsFileThenEnvironment(t *testing.T) {
	path := writeConfigFile(t, "addr: \":9090\"\nmax_records: 50\nrate_limit_window: 30s\nbackend_profile: sqlite\ndata_dir: /var/lib/failmon\nallowed_origins:\n  - https://a.test\n")
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("FAILMON_MAX_RECORDS", "75")
	t.Setenv("FAILMON_DEBUG", "true")

	got, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Addr != ":9090" {
		t.Fatalf("Addr = %q, want :9090 from file", got.Addr)
	}
	if got.MaxRecords != 75 {
		t.Fatalf("MaxRecords = %d, want env override 75", got.MaxRecords)
	}
	if got.RateLimitWindow != 30*time.Second {
		t.Fatalf("RateLimitWindow = %s, want 30s", got.RateLimitWindow)
	}
	if !got.Debug {
		t.Fatal("Debug = false, want true")
	}
	if len(got.AllowedOrigins) != 1 || got.AllowedOrigins[0] != "https://a.test" {
		t.Fatalf("AllowedOrigins = %v", got.AllowedOrigins)
	}
	dsn, err := got.ResolveStateDSN()
	if err != nil {
		t.Fatalf("ResolveStateDSN() failed: %v", err)
	}
	if dsn != "sqlite:///var/lib/failmon/failures.db" {
		t.Fatalf("ResolveStateDSN() = %q", dsn)
	}
}

func TestLoadParsesListFromEnvironment(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("FAILMON_ALLOWED_ORIGINS", "https://a.test,https://b.test")
	got, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(got.AllowedOrigins) != 2 || got.AllowedOrigins[1] != "https://b.test" {
		t.Fatalf("AllowedOrigins = %v", got.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"missing file":       {ConfigFileEnv: filepath.Join(t.TempDir(), "absent.yaml")},
		"zero capacity":      {"FAILMON_MAX_RECORDS": "0"},
		"bad integer":        {"FAILMON_MAX_RECORDS": "many"},
		"unknown profile":    {"FAILMON_BACKEND_PROFILE": "floppy"},
		"production no pg":   {"FAILMON_BACKEND_PROFILE": "production"},
		"negative body size": {"FAILMON_MAX_BODY_BYTES": "-1"},
	}
	for name, envs := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(ConfigFileEnv, "")
			for key, value := range envs {
				t.Setenv(key, value)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("Load() succeeded, want error")
			}
		})
	}
}

func TestResolveStateDSNPrefersExplicitDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDSN = "postgres://db/failmon"
	cfg.BackendProfile = "durable-local"
	dsn, err := cfg.ResolveStateDSN()
	if err != nil || dsn != "postgres://db/failmon" {
		t.Fatalf("ResolveStateDSN() = %q, %v", dsn, err)
	}
	cfg.StateDSN = ""
	dsn, _ = cfg.ResolveStateDSN()
	if !strings.HasPrefix(dsn, "file://") || !strings.HasSuffix(dsn, "failures.json") {
		t.Fatalf("durable-local ResolveStateDSN() = %q", dsn)
	}
}
