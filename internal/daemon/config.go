// Package daemon wires the control plane together and runs it.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration.
type Config struct {
	// Content source
	ContentURL string `yaml:"content_url"`

	// Paths
	StateDir string `yaml:"state_dir"`

	// Features
	AutoUpdatePrograms bool `yaml:"auto_update_programs"`

	// Localization
	Language string `yaml:"language"`

	// Timing
	SyncIntervalHours int `yaml:"sync_interval_hours"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		ContentURL:         "https://content.risefleet.io",
		StateDir:           "/var/lib/rise",
		AutoUpdatePrograms: true,
		Language:           "en",
		SyncIntervalHours:  6,
		LogLevel:           "INFO",
	}
}

// LoadConfig loads configuration from a YAML file with env overrides.
// A missing file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Environment variable overrides
	if v := os.Getenv("RISE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("RISE_CONTENT_URL"); v != "" {
		cfg.ContentURL = v
	}
	if v := os.Getenv("RISE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	// Validate
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state_dir is required")
	}
	if !strings.HasPrefix(cfg.ContentURL, "https://") {
		return nil, fmt.Errorf("content_url must be https")
	}
	if cfg.SyncIntervalHours < 1 {
		cfg.SyncIntervalHours = 1
	}
	if cfg.SyncIntervalHours > 24 {
		cfg.SyncIntervalHours = 24
	}

	return &cfg, nil
}

// KeysDir returns the device keypair directory.
func (c *Config) KeysDir() string {
	return filepath.Join(c.StateDir, "keys")
}

// CacheDir returns the content cache root.
func (c *Config) CacheDir() string {
	return filepath.Join(c.StateDir, "cache")
}

// NotificationsDBPath returns the notification database path.
func (c *Config) NotificationsDBPath() string {
	return filepath.Join(c.StateDir, "notifications.db")
}
