// Package config loads tasksmith configuration from a YAML file, merged over
// the built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mavdaviddraughn/tasksmith/internal/cache"
	"github.com/mavdaviddraughn/tasksmith/internal/output"
	"github.com/mavdaviddraughn/tasksmith/internal/recovery"
)

// BufferSettings configures one output buffer.
type BufferSettings struct {
	// MaxChunks is the hard chunk capacity
	MaxChunks int `yaml:"max_chunks"`

	// MaxBytes is the retained-content memory budget
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxLines bounds the retained line count
	MaxLines int64 `yaml:"max_lines"`

	// RetentionMode is the trim policy: size, count, or time
	RetentionMode string `yaml:"retention_mode"`

	// RetentionValue is the bound for the size and count modes
	RetentionValue int64 `yaml:"retention_value"`

	// RetentionAge is the maximum chunk age for the time mode (e.g. "5m")
	RetentionAge string `yaml:"retention_age"`
}

// StreamSettings configures chunk streaming and batching.
type StreamSettings struct {
	// RealTime publishes events as chunks arrive
	RealTime bool `yaml:"real_time"`

	// BatchSize is the pending-batch byte threshold that forces a flush
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the batch flush timer period (e.g. "100ms")
	FlushInterval string `yaml:"flush_interval"`

	// LineBuffering holds back chunks without a line terminator
	LineBuffering bool `yaml:"line_buffering"`
}

// CacheSettings configures the result cache.
type CacheSettings struct {
	// MaxItems is the item-count bound
	MaxItems int `yaml:"max_items"`

	// MaxMemoryMB is the value memory budget in mebibytes
	MaxMemoryMB int `yaml:"max_memory_mb"`

	// DefaultTTL applies to entries stored without an explicit TTL (e.g. "1h")
	DefaultTTL string `yaml:"default_ttl"`

	// EnableCompression turns on gzip compression at rest
	EnableCompression bool `yaml:"enable_compression"`

	// CompressionThreshold is the serialized size at which values compress
	CompressionThreshold int `yaml:"compression_threshold"`

	// Persistent enables snapshot load on start and save on shutdown
	Persistent bool `yaml:"persistent"`

	// PersistentPath is the snapshot file path
	PersistentPath string `yaml:"persistent_path"`

	// CleanupInterval is the expiry sweep period (e.g. "1m")
	CleanupInterval string `yaml:"cleanup_interval"`
}

// RecoverySettings configures failure handling.
type RecoverySettings struct {
	// MaxRetries is how many times a recoverable failure is re-attempted
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base backoff delay (e.g. "100ms")
	RetryDelay string `yaml:"retry_delay"`

	// ExponentialBackoff doubles the delay each attempt
	ExponentialBackoff bool `yaml:"exponential_backoff"`

	// FallbackStrategy: degrade, cache, skip, or fail
	FallbackStrategy string `yaml:"fallback_strategy"`

	// CircuitBreakerThreshold is the failure count that opens a circuit
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerCooldown is the open-circuit rejection window (e.g. "30s")
	CircuitBreakerCooldown string `yaml:"circuit_breaker_cooldown"`
}

// Config represents tasksmith configuration options.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// JournalPath is the error journal database path; empty disables it
	JournalPath string `yaml:"journal_path"`

	// Stdout and Stderr configure the two output buffers
	Stdout BufferSettings `yaml:"stdout"`
	Stderr BufferSettings `yaml:"stderr"`

	// Stream configures chunk streaming and batching
	Stream StreamSettings `yaml:"stream"`

	// Cache configures the result cache
	Cache CacheSettings `yaml:"cache"`

	// Recovery configures failure handling
	Recovery RecoverySettings `yaml:"recovery"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	stream := output.DefaultStreamOptions()
	cacheCfg := cache.DefaultConfig()
	recoveryCfg := recovery.DefaultConfig()

	return &Config{
		LogLevel:    "info",
		JournalPath: ".tasksmith/errors.db",
		Stdout:      bufferSettings(output.DefaultStdoutConfig()),
		Stderr:      bufferSettings(output.DefaultStderrConfig()),
		Stream: StreamSettings{
			RealTime:      stream.RealTime,
			BatchSize:     stream.BatchSize,
			FlushInterval: stream.FlushInterval.String(),
			LineBuffering: stream.LineBuffering,
		},
		Cache: CacheSettings{
			MaxItems:             cacheCfg.MaxItems,
			MaxMemoryMB:          cacheCfg.MaxMemoryMB,
			DefaultTTL:           cacheCfg.DefaultTTL.String(),
			EnableCompression:    cacheCfg.EnableCompression,
			CompressionThreshold: cacheCfg.CompressionThreshold,
			// Persistence is on so memoized runs survive the process.
			Persistent:           true,
			PersistentPath:       ".tasksmith/cache.json",
			CleanupInterval:      cacheCfg.CleanupInterval.String(),
		},
		Recovery: RecoverySettings{
			MaxRetries:              recoveryCfg.MaxRetries,
			RetryDelay:              recoveryCfg.RetryDelay.String(),
			ExponentialBackoff:      recoveryCfg.ExponentialBackoff,
			FallbackStrategy:        string(recoveryCfg.FallbackStrategy),
			CircuitBreakerThreshold: recoveryCfg.CircuitBreakerThreshold,
			CircuitBreakerCooldown:  recoveryCfg.CircuitBreakerCooldown.String(),
		},
	}
}

// bufferSettings converts a buffer config to its file representation.
func bufferSettings(c output.BufferConfig) BufferSettings {
	return BufferSettings{
		MaxChunks:      c.MaxChunks,
		MaxBytes:       c.MaxBytes,
		MaxLines:       c.MaxLines,
		RetentionMode:  string(c.RetentionMode),
		RetentionValue: c.RetentionValue,
	}
}

// LoadConfig loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration without error.
// If the file exists but is malformed, returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal over the defaults: fields absent from the file keep their
	// default values.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// toBufferConfig resolves the settings into a validated buffer config.
func (b BufferSettings) toBufferConfig() (output.BufferConfig, error) {
	cfg := output.BufferConfig{
		MaxChunks:      b.MaxChunks,
		MaxBytes:       b.MaxBytes,
		MaxLines:       b.MaxLines,
		RetentionMode:  output.RetentionMode(b.RetentionMode),
		RetentionValue: b.RetentionValue,
	}
	if cfg.RetentionMode == output.RetainByAge {
		if b.RetentionAge == "" {
			return cfg, fmt.Errorf("retention mode %q requires retention_age", b.RetentionMode)
		}
		age, err := time.ParseDuration(b.RetentionAge)
		if err != nil {
			return cfg, fmt.Errorf("invalid retention_age %q: %w", b.RetentionAge, err)
		}
		cfg.RetentionValue = int64(age)
	}
	return cfg, cfg.Validate()
}

// ManagerConfig resolves the stream manager configuration.
func (c *Config) ManagerConfig() (output.ManagerConfig, error) {
	stdout, err := c.Stdout.toBufferConfig()
	if err != nil {
		return output.ManagerConfig{}, fmt.Errorf("stdout: %w", err)
	}
	stderr, err := c.Stderr.toBufferConfig()
	if err != nil {
		return output.ManagerConfig{}, fmt.Errorf("stderr: %w", err)
	}

	flush, err := time.ParseDuration(c.Stream.FlushInterval)
	if err != nil {
		return output.ManagerConfig{}, fmt.Errorf("invalid flush_interval %q: %w", c.Stream.FlushInterval, err)
	}

	cfg := output.DefaultManagerConfig()
	cfg.Stdout = stdout
	cfg.Stderr = stderr
	cfg.Stream = output.StreamOptions{
		RealTime:      c.Stream.RealTime,
		BatchSize:     c.Stream.BatchSize,
		FlushInterval: flush,
		LineBuffering: c.Stream.LineBuffering,
	}
	return cfg, nil
}

// CacheConfig resolves the result cache configuration.
func (c *Config) CacheConfig() (cache.Config, error) {
	ttl, err := time.ParseDuration(c.Cache.DefaultTTL)
	if err != nil {
		return cache.Config{}, fmt.Errorf("invalid default_ttl %q: %w", c.Cache.DefaultTTL, err)
	}
	sweep, err := time.ParseDuration(c.Cache.CleanupInterval)
	if err != nil {
		return cache.Config{}, fmt.Errorf("invalid cleanup_interval %q: %w", c.Cache.CleanupInterval, err)
	}

	cfg := cache.Config{
		MaxItems:             c.Cache.MaxItems,
		MaxMemoryMB:          c.Cache.MaxMemoryMB,
		DefaultTTL:           ttl,
		EnableCompression:    c.Cache.EnableCompression,
		CompressionThreshold: c.Cache.CompressionThreshold,
		Persistent:           c.Cache.Persistent,
		PersistentPath:       c.Cache.PersistentPath,
		CleanupInterval:      sweep,
	}
	return cfg, cfg.Validate()
}

// RecoveryConfig resolves the failure-handling configuration.
func (c *Config) RecoveryConfig() (recovery.Config, error) {
	delay, err := time.ParseDuration(c.Recovery.RetryDelay)
	if err != nil {
		return recovery.Config{}, fmt.Errorf("invalid retry_delay %q: %w", c.Recovery.RetryDelay, err)
	}
	cooldown, err := time.ParseDuration(c.Recovery.CircuitBreakerCooldown)
	if err != nil {
		return recovery.Config{}, fmt.Errorf("invalid circuit_breaker_cooldown %q: %w", c.Recovery.CircuitBreakerCooldown, err)
	}

	cfg := recovery.Config{
		MaxRetries:              c.Recovery.MaxRetries,
		RetryDelay:              delay,
		ExponentialBackoff:      c.Recovery.ExponentialBackoff,
		FallbackStrategy:        recovery.Strategy(c.Recovery.FallbackStrategy),
		CircuitBreakerThreshold: c.Recovery.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  cooldown,
	}
	return cfg, cfg.Validate()
}
