package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the persisted application configuration.
type Config struct {
	DownloadDir             string `yaml:"download_dir"`
	RetentionDays           int    `yaml:"retention_days"`
	CleanupIntervalDays     int    `yaml:"cleanup_interval_days"`
	PositionSaveIntervalSec int    `yaml:"position_save_interval_seconds"`
	SyncDebounceSec         int    `yaml:"sync_debounce_seconds"`
	SyncIntervalSec         int    `yaml:"sync_interval_seconds"`
	RemoteURL               string `yaml:"remote_url"`
	RemoteAPIKey            string `yaml:"remote_api_key"`
	RemoteTimeoutSec        int    `yaml:"remote_timeout_seconds"`
	UserID                  string `yaml:"user_id,omitempty"`
	DeviceID                string `yaml:"device_id"`
	UserAgent               string `yaml:"user_agent"`
	Proxy                   string `yaml:"proxy,omitempty"`
	TLSVerify               bool   `yaml:"tls_verify"`
}

// Defaults returns the baseline configuration used on first run.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DownloadDir:             filepath.Join(home, "Podcasts"),
		RetentionDays:           7,
		CleanupIntervalDays:     7,
		PositionSaveIntervalSec: 10,
		SyncDebounceSec:         5,
		SyncIntervalSec:         300,
		RemoteTimeoutSec:        15,
		UserAgent:               "podkeep/dev",
		TLSVerify:               true,
	}
}

// Ensure loads configuration from the provided path, creating one from
// defaults and environment overrides if it does not yet exist.
func Ensure(path string) (Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	cfg = Defaults()
	if err := bootstrap(&cfg); err != nil {
		return Config{}, err
	}

	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads configuration from disk.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	defaults := Defaults()
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaults.RetentionDays
	}
	if cfg.CleanupIntervalDays <= 0 {
		cfg.CleanupIntervalDays = defaults.CleanupIntervalDays
	}
	if cfg.PositionSaveIntervalSec <= 0 {
		cfg.PositionSaveIntervalSec = defaults.PositionSaveIntervalSec
	}
	if cfg.SyncDebounceSec <= 0 {
		cfg.SyncDebounceSec = defaults.SyncDebounceSec
	}
	if cfg.SyncIntervalSec <= 0 {
		cfg.SyncIntervalSec = defaults.SyncIntervalSec
	}
	if cfg.RemoteTimeoutSec <= 0 {
		cfg.RemoteTimeoutSec = defaults.RemoteTimeoutSec
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		cfg.DeviceID = uuid.NewString()
	}
	return cfg, nil
}

// Save writes configuration back to disk, ensuring directory permissions are restrictive.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

func bootstrap(cfg *Config) error {
	if fromEnv := strings.TrimSpace(os.Getenv("PODKEEP_DOWNLOAD_DIR")); fromEnv != "" {
		resolved, err := expandPath(fromEnv)
		if err != nil {
			return err
		}
		cfg.DownloadDir = resolved
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	if v := strings.TrimSpace(os.Getenv("PODKEEP_REMOTE_URL")); v != "" {
		cfg.RemoteURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PODKEEP_REMOTE_KEY")); v != "" {
		cfg.RemoteAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PODKEEP_USER_ID")); v != "" {
		cfg.UserID = v
	}

	cfg.DeviceID = uuid.NewString()
	return nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
