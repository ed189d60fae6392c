// Package config loads peer-chat settings: defaults, then a TOML file, then
// PEERCHAT_* environment variables. Command-line flags are applied last by
// the CLI.
package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	ConfigFileName = "config.toml"

	ModeDHT     = "dht"
	ModeTracker = "tracker"
)

type Config struct {
	Username string         `toml:"username"`
	Paths    PathsConfig    `toml:"paths"`
	Network  NetworkConfig  `toml:"network"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Transfer TransferConfig `toml:"transfer"`
	Log      LogConfig      `toml:"log"`
}

type PathsConfig struct {
	DataDir      string `toml:"data_dir"`
	DownloadsDir string `toml:"downloads_dir"`
}

type NetworkConfig struct {
	Mode        string   `toml:"mode"`
	ListenAddrs []string `toml:"listen_addrs"`
	MDNS        bool     `toml:"mdns"`
	// Bootstrap overrides the public bootstrap peers when non-empty.
	Bootstrap   []string `toml:"bootstrap"`
	TrackerAddr string   `toml:"tracker_addr"`
	STUNServers []string `toml:"stun_servers"`
}

type TimeoutsConfig struct {
	Join  Duration `toml:"join"`
	Leave Duration `toml:"leave"`
	Ack   Duration `toml:"ack"`
}

type TransferConfig struct {
	Window   int  `toml:"window"`
	Compress bool `toml:"compress"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// File receives logs; empty means <data_dir>/peer-chat.log.
	File string `toml:"file"`
}

// Duration wraps time.Duration for TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Username: defaultUsername(),
		Paths: PathsConfig{
			DataDir:      filepath.Join(home, ".peer-chat"),
			DownloadsDir: filepath.Join(home, "Downloads", "peer-chat"),
		},
		Network: NetworkConfig{
			Mode:        ModeDHT,
			MDNS:        true,
			TrackerAddr: "127.0.0.1:8080",
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Timeouts: TimeoutsConfig{
			Join:  Duration{30 * time.Second},
			Leave: Duration{10 * time.Second},
			Ack:   Duration{60 * time.Second},
		},
		Transfer: TransferConfig{
			Window:   8,
			Compress: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultUsername() string {
	name := os.Getenv("USER")
	if name == "" {
		return "anonymous"
	}
	if r := []rune(name); len(r) > MaxUsernameLen {
		name = string(r[:MaxUsernameLen])
	}
	return name
}

// LogPath resolves where logs are written.
func (c *Config) LogPath() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.Paths.DataDir, "peer-chat.log")
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "peer-chat.db")
}
