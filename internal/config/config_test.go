package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddress != "0.0.0.0:7891" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.AdminAddress != "" {
		t.Errorf("AdminAddress = %q, want empty", cfg.AdminAddress)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 10*time.Second {
		t.Errorf("ShutdownGracePeriod = %v", cfg.ShutdownGracePeriod)
	}
	if cfg.MaxFrameBytes != 1<<20 {
		t.Errorf("MaxFrameBytes = %d", cfg.MaxFrameBytes)
	}
	if cfg.SendBuffer != 32 {
		t.Errorf("SendBuffer = %d", cfg.SendBuffer)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := []byte("listen_address: 127.0.0.1:9000\nadmin_address: 127.0.0.1:9100\nlog_level: debug\nshutdown_grace_period: 2s\nsend_buffer: 8\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.AdminAddress != "127.0.0.1:9100" {
		t.Errorf("AdminAddress = %q", cfg.AdminAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 2*time.Second {
		t.Errorf("ShutdownGracePeriod = %v", cfg.ShutdownGracePeriod)
	}
	if cfg.SendBuffer != 8 {
		t.Errorf("SendBuffer = %d", cfg.SendBuffer)
	}
	// Unset keys keep their defaults.
	if cfg.MaxFrameBytes != 1<<20 {
		t.Errorf("MaxFrameBytes = %d", cfg.MaxFrameBytes)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("listen_address: 127.0.0.1:9000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PARLEY_LISTEN_ADDRESS", "127.0.0.1:9999")
	t.Setenv("PARLEY_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9999" {
		t.Errorf("ListenAddress = %q, env should win over file", cfg.ListenAddress)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadRejectsBadGracePeriod(t *testing.T) {
	t.Setenv("PARLEY_SHUTDOWN_GRACE_PERIOD", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
