package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Username = "alice"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if cfg.Network.Mode != ModeDHT {
		t.Errorf("Expected dht mode, got %s", cfg.Network.Mode)
	}
	if cfg.Timeouts.Ack.Duration != 60*time.Second {
		t.Errorf("Expected 60s ack timeout, got %v", cfg.Timeouts.Ack.Duration)
	}
	if cfg.Transfer.Window != 8 || !cfg.Transfer.Compress {
		t.Errorf("Unexpected transfer defaults: %+v", cfg.Transfer)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	data := `
username = "bob"

[paths]
downloads_dir = "/tmp/dl"

[network]
mode = "tracker"
tracker_addr = "10.0.0.1:9000"

[timeouts]
join = "5s"

[transfer]
window = 4
compress = false

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Username != "bob" {
		t.Errorf("Expected username bob, got %s", cfg.Username)
	}
	if cfg.Paths.DownloadsDir != "/tmp/dl" {
		t.Errorf("Expected downloads dir override, got %s", cfg.Paths.DownloadsDir)
	}
	if cfg.Network.Mode != ModeTracker || cfg.Network.TrackerAddr != "10.0.0.1:9000" {
		t.Errorf("Unexpected network section: %+v", cfg.Network)
	}
	if cfg.Timeouts.Join.Duration != 5*time.Second {
		t.Errorf("Expected 5s join timeout, got %v", cfg.Timeouts.Join.Duration)
	}
	// Unset keys keep their defaults.
	if cfg.Timeouts.Leave.Duration != 10*time.Second {
		t.Errorf("Expected default leave timeout, got %v", cfg.Timeouts.Leave.Duration)
	}
	if cfg.Transfer.Window != 4 || cfg.Transfer.Compress {
		t.Errorf("Unexpected transfer section: %+v", cfg.Transfer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoad_MissingDefaultFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("Expected defaults when no config file exists, got %v", err)
	}
	if cfg.Transfer.Window != 8 {
		t.Errorf("Expected default window, got %d", cfg.Transfer.Window)
	}
	if cfg.Paths.DataDir != dir {
		t.Errorf("Expected data dir %s, got %s", dir, cfg.Paths.DataDir)
	}
}

func TestLoad_DataDirFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("username = \"dave\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Username != "dave" {
		t.Errorf("Expected username from data dir config, got %s", cfg.Username)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml"), ""); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[timeouts]\njoin = \"soon\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path, ""); err == nil {
		t.Error("Expected error for invalid duration")
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		"PEERCHAT_USERNAME": "carol",
		"PEERCHAT_MODE":     "tracker",
		"PEERCHAT_TRACKER":  "tracker.local:8080",
		"LOG_LEVEL":         "warn",
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.Username != "carol" {
		t.Errorf("Expected username carol, got %s", cfg.Username)
	}
	if cfg.Network.Mode != ModeTracker || cfg.Network.TrackerAddr != "tracker.local:8080" {
		t.Errorf("Unexpected network after env: %+v", cfg.Network)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected warn level, got %s", cfg.Log.Level)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty username", func(c *Config) { c.Username = "  " }, "username"},
		{"long username", func(c *Config) { c.Username = strings.Repeat("x", 21) }, "username"},
		{"bad mode", func(c *Config) { c.Network.Mode = "carrier-pigeon" }, "mode"},
		{"tracker without addr", func(c *Config) {
			c.Network.Mode = ModeTracker
			c.Network.TrackerAddr = ""
		}, "tracker"},
		{"zero window", func(c *Config) { c.Transfer.Window = 0 }, "window"},
		{"zero timeout", func(c *Config) { c.Timeouts.Join = Duration{} }, "timeouts"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Username = "alice"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.DataDir = "/data"
	if got := cfg.LogPath(); got != filepath.Join("/data", "peer-chat.log") {
		t.Errorf("Unexpected log path %s", got)
	}
	cfg.Log.File = "/var/log/pc.log"
	if got := cfg.LogPath(); got != "/var/log/pc.log" {
		t.Errorf("Expected explicit log file, got %s", got)
	}
	if got := cfg.DatabasePath(); got != filepath.Join("/data", "peer-chat.db") {
		t.Errorf("Unexpected database path %s", got)
	}
}
