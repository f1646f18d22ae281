// Package config loads the shoald daemon configuration from YAML, in the
// usual defaults-then-validate shape. A missing config file produces a
// commented template for the operator to edit.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultVersion          = 1
	defaultListenAddr       = "127.0.0.1:9400"
	defaultCacheSizeGB      = 10
	defaultSyncIntervalSec  = 5
	defaultCleanIntervalMin = 30
	defaultActionTimeoutSec = 900
	defaultRetryDelayMillis = 200
	defaultMaxBytesPerSecMB = 40
)

var ErrConfigMissing = errors.New("config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config is the root shoald configuration.
type Config struct {
	Version  int            `yaml:"version"`
	NodeID   string         `yaml:"node_id"`
	DataPath string         `yaml:"data_path"`
	Listen   string         `yaml:"listen"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Cache    CacheConfig    `yaml:"cache"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// RecoveryConfig tunes the peer recovery client.
type RecoveryConfig struct {
	ActionTimeoutSec int `yaml:"action_timeout_sec"`
	RetryDelayMillis int `yaml:"retry_delay_millis"`
	MaxBytesPerSecMB int `yaml:"max_bytes_per_sec_mb"`
}

// CacheConfig tunes the searchable-snapshot cache.
type CacheConfig struct {
	Dir              string `yaml:"dir"`
	SizeGB           int    `yaml:"size_gb"`
	SyncIntervalSec  int    `yaml:"sync_interval_sec"`
	CleanIntervalMin int    `yaml:"clean_interval_min"`
}

// SnapshotConfig locates the snapshot blob repository.
type SnapshotConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// Load reads config from the provided path. When the file does not exist
// it writes a template and returns ErrConfigMissing to prompt the user to
// edit the newly created file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

// EffectiveCacheDir resolves the cache directory, falling back to a
// subdirectory of the node data path when unset.
func (c Config) EffectiveCacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.DataPath, "cache")
}

// ActionTimeout returns the recovery action timeout as a duration.
func (c Config) ActionTimeout() time.Duration {
	return time.Duration(c.Recovery.ActionTimeoutSec) * time.Second
}

// RetryDelay returns the initial recovery retry delay as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Recovery.RetryDelayMillis) * time.Millisecond
}

// SyncInterval returns the cache fsync period as a duration.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Cache.SyncIntervalSec) * time.Second
}

// CleanInterval returns the janitor period as a duration.
func (c Config) CleanInterval() time.Duration {
	return time.Duration(c.Cache.CleanIntervalMin) * time.Minute
}

// MaxBytesPerSec returns the recovery throttle rate in bytes.
func (c Config) MaxBytesPerSec() int64 {
	return int64(c.Recovery.MaxBytesPerSecMB) * 1024 * 1024
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.Listen == "" {
		c.Listen = defaultListenAddr
	}
	if c.Recovery.ActionTimeoutSec == 0 {
		c.Recovery.ActionTimeoutSec = defaultActionTimeoutSec
	}
	if c.Recovery.RetryDelayMillis == 0 {
		c.Recovery.RetryDelayMillis = defaultRetryDelayMillis
	}
	if c.Recovery.MaxBytesPerSecMB == 0 {
		c.Recovery.MaxBytesPerSecMB = defaultMaxBytesPerSecMB
	}
	if c.Cache.SizeGB == 0 {
		c.Cache.SizeGB = defaultCacheSizeGB
	}
	if c.Cache.SyncIntervalSec == 0 {
		c.Cache.SyncIntervalSec = defaultSyncIntervalSec
	}
	if c.Cache.CleanIntervalMin == 0 {
		c.Cache.CleanIntervalMin = defaultCleanIntervalMin
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.NodeID == "" {
		issues = append(issues, "node_id is required")
	}
	if c.DataPath == "" {
		issues = append(issues, "data_path is required")
	}
	if c.Listen == "" {
		issues = append(issues, "listen is required")
	}
	if c.Recovery.ActionTimeoutSec <= 0 {
		issues = append(issues, "recovery.action_timeout_sec must be > 0")
	}
	if c.Recovery.RetryDelayMillis <= 0 {
		issues = append(issues, "recovery.retry_delay_millis must be > 0")
	}
	if c.Recovery.MaxBytesPerSecMB < 0 {
		issues = append(issues, "recovery.max_bytes_per_sec_mb must be >= 0")
	}
	if c.Cache.SizeGB <= 0 {
		issues = append(issues, "cache.size_gb must be > 0")
	}
	if c.Cache.SyncIntervalSec <= 0 {
		issues = append(issues, "cache.sync_interval_sec must be > 0")
	}
	if c.Cache.CleanIntervalMin <= 0 {
		issues = append(issues, "cache.clean_interval_min must be > 0")
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# shoald configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("node_id: node-1\n")
	tpl.WriteString("data_path: /var/lib/shoal\n")
	tpl.WriteString("listen: 127.0.0.1:9400\n")
	tpl.WriteString("recovery:\n")
	tpl.WriteString("  action_timeout_sec: 900\n")
	tpl.WriteString("  retry_delay_millis: 200\n")
	tpl.WriteString("  max_bytes_per_sec_mb: 40\n")
	tpl.WriteString("cache:\n")
	tpl.WriteString("  # dir: \n")
	tpl.WriteString("  size_gb: 10\n")
	tpl.WriteString("  sync_interval_sec: 5\n")
	tpl.WriteString("  clean_interval_min: 30\n")
	tpl.WriteString("snapshot:\n")
	tpl.WriteString("  s3:\n")
	tpl.WriteString("    bucket: \n")
	tpl.WriteString("    region: us-east-1\n")
	tpl.WriteString("    # endpoint: \n")
	tpl.WriteString("    # prefix: \n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
