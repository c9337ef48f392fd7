package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mavdaviddraughn/tasksmith/internal/output"
	"github.com/mavdaviddraughn/tasksmith/internal/recovery"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasksmith.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Stdout.MaxChunks != 2000 {
		t.Errorf("Stdout.MaxChunks = %d, want 2000", cfg.Stdout.MaxChunks)
	}
	if cfg.Stderr.MaxChunks != 500 {
		t.Errorf("Stderr.MaxChunks = %d, want 500", cfg.Stderr.MaxChunks)
	}
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
stdout:
  max_chunks: 50
cache:
  default_ttl: 10m
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Stdout.MaxChunks != 50 {
		t.Errorf("Stdout.MaxChunks = %d, want 50", cfg.Stdout.MaxChunks)
	}
	// Untouched fields keep their defaults.
	if cfg.Stderr.MaxChunks != 500 {
		t.Errorf("Stderr.MaxChunks = %d, want default 500", cfg.Stderr.MaxChunks)
	}
	if cfg.Cache.DefaultTTL != "10m" {
		t.Errorf("Cache.DefaultTTL = %q, want 10m", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.MaxItems != 1000 {
		t.Errorf("Cache.MaxItems = %d, want default 1000", cfg.Cache.MaxItems)
	}
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := writeConfig(t, "log_level: [unclosed")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestManagerConfigResolution(t *testing.T) {
	cfg := DefaultConfig()
	mc, err := cfg.ManagerConfig()
	if err != nil {
		t.Fatalf("ManagerConfig: %v", err)
	}
	if mc.Stdout.MaxChunks != 2000 || mc.Stderr.MaxChunks != 500 {
		t.Errorf("unexpected buffer capacities: %d/%d", mc.Stdout.MaxChunks, mc.Stderr.MaxChunks)
	}
	if mc.Stream.FlushInterval <= 0 {
		t.Errorf("FlushInterval = %v, want positive", mc.Stream.FlushInterval)
	}
}

func TestRetentionAgeResolution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stdout.RetentionMode = "time"
	cfg.Stdout.RetentionAge = "5m"

	mc, err := cfg.ManagerConfig()
	if err != nil {
		t.Fatalf("ManagerConfig: %v", err)
	}
	if mc.Stdout.RetentionMode != output.RetainByAge {
		t.Errorf("RetentionMode = %q, want time", mc.Stdout.RetentionMode)
	}
	if mc.Stdout.RetentionValue != int64(5*time.Minute) {
		t.Errorf("RetentionValue = %d, want %d", mc.Stdout.RetentionValue, int64(5*time.Minute))
	}
}

func TestRetentionAgeRequiredForTimeMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stdout.RetentionMode = "time"
	cfg.Stdout.RetentionAge = ""

	if _, err := cfg.ManagerConfig(); err == nil {
		t.Fatal("expected error for time mode without retention_age")
	}
}

func TestCacheConfigResolution(t *testing.T) {
	cfg := DefaultConfig()
	cc, err := cfg.CacheConfig()
	if err != nil {
		t.Fatalf("CacheConfig: %v", err)
	}
	if cc.DefaultTTL != time.Hour {
		t.Errorf("DefaultTTL = %v, want 1h", cc.DefaultTTL)
	}

	cfg.Cache.DefaultTTL = "not-a-duration"
	if _, err := cfg.CacheConfig(); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestRecoveryConfigResolution(t *testing.T) {
	cfg := DefaultConfig()
	rc, err := cfg.RecoveryConfig()
	if err != nil {
		t.Fatalf("RecoveryConfig: %v", err)
	}
	if rc.FallbackStrategy != recovery.StrategyDegrade {
		t.Errorf("FallbackStrategy = %q, want degrade", rc.FallbackStrategy)
	}

	cfg.Recovery.FallbackStrategy = "bogus"
	if _, err := cfg.RecoveryConfig(); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
