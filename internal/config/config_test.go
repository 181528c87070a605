package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := Defaults()
	original.DownloadDir = filepath.Join(dir, "downloads")
	original.UserID = "user-1"
	original.DeviceID = "device-1"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.DownloadDir != original.DownloadDir {
		t.Fatalf("DownloadDir mismatch: got %q want %q", loaded.DownloadDir, original.DownloadDir)
	}
	if loaded.UserID != "user-1" {
		t.Fatalf("UserID mismatch: got %q", loaded.UserID)
	}
	if loaded.DeviceID != "device-1" {
		t.Fatalf("DeviceID mismatch: got %q", loaded.DeviceID)
	}
}

func TestEnsureCreatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	downloadDir := filepath.Join(dir, "downloads")
	t.Setenv("PODKEEP_DOWNLOAD_DIR", downloadDir)
	t.Setenv("PODKEEP_REMOTE_URL", "https://example.test")
	t.Setenv("PODKEEP_USER_ID", "user-7")

	cfg, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	if cfg.DownloadDir != downloadDir {
		t.Fatalf("DownloadDir = %q, want %q", cfg.DownloadDir, downloadDir)
	}
	if cfg.RemoteURL != "https://example.test" {
		t.Fatalf("RemoteURL = %q", cfg.RemoteURL)
	}
	if cfg.UserID != "user-7" {
		t.Fatalf("UserID = %q", cfg.UserID)
	}
	if cfg.DeviceID == "" {
		t.Fatal("expected a generated device id")
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}
	if _, err := os.Stat(downloadDir); err != nil {
		t.Fatalf("expected download directory to be created: %v", err)
	}
}

func TestRetentionDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.RetentionDays != 7 {
		t.Fatalf("expected default RetentionDays=7, got %d", cfg.RetentionDays)
	}
	if cfg.CleanupIntervalDays != 7 {
		t.Fatalf("expected default CleanupIntervalDays=7, got %d", cfg.CleanupIntervalDays)
	}
	if cfg.PositionSaveIntervalSec != 10 {
		t.Fatalf("expected default PositionSaveIntervalSec=10, got %d", cfg.PositionSaveIntervalSec)
	}
}

func TestLoadBackfillsZeroValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("download_dir: /tmp/pods\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.RetentionDays != 7 {
		t.Fatalf("RetentionDays not backfilled: got %d", loaded.RetentionDays)
	}
	if loaded.SyncDebounceSec != 5 {
		t.Fatalf("SyncDebounceSec not backfilled: got %d", loaded.SyncDebounceSec)
	}
	if loaded.SyncIntervalSec != 300 {
		t.Fatalf("SyncIntervalSec not backfilled: got %d", loaded.SyncIntervalSec)
	}
	if loaded.DeviceID == "" {
		t.Fatal("expected DeviceID to be generated on load")
	}
}
