package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"

	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
)

const MaxUsernameLen = 20

const envPrefix = "PEERCHAT_"

// Load reads path over the defaults. An empty path means config.toml in
// dataDir, or in the default data dir when dataDir is empty too; a missing
// default file is not an error, a missing explicit one is.
func Load(path, dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	if dir := os.Getenv(envPrefix + "DATA_DIR"); dir != "" {
		cfg.Paths.DataDir = dir
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.Paths.DataDir, ConfigFileName)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg.ApplyEnv(os.LookupEnv)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overrides fields from PEERCHAT_* variables and LOG_LEVEL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	set(envPrefix+"USERNAME", &c.Username)
	set(envPrefix+"DATA_DIR", &c.Paths.DataDir)
	set(envPrefix+"DOWNLOADS_DIR", &c.Paths.DownloadsDir)
	set(envPrefix+"MODE", &c.Network.Mode)
	set(envPrefix+"TRACKER", &c.Network.TrackerAddr)
	set("LOG_LEVEL", &c.Log.Level)
}

func (c *Config) Validate() error {
	name := strings.TrimSpace(c.Username)
	if name == "" {
		return errors.New("username cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxUsernameLen {
		return fmt.Errorf("username longer than %d characters", MaxUsernameLen)
	}

	if c.Paths.DataDir == "" {
		return errors.New("data dir cannot be empty")
	}
	if c.Paths.DownloadsDir == "" {
		return errors.New("downloads dir cannot be empty")
	}

	switch c.Network.Mode {
	case ModeDHT:
	case ModeTracker:
		if c.Network.TrackerAddr == "" {
			return errors.New("tracker mode needs a tracker address")
		}
	default:
		return fmt.Errorf("invalid network mode %q (want %s or %s)", c.Network.Mode, ModeDHT, ModeTracker)
	}

	if c.Timeouts.Join.Duration <= 0 || c.Timeouts.Leave.Duration <= 0 || c.Timeouts.Ack.Duration <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Transfer.Window < 1 {
		return fmt.Errorf("invalid transfer window: %d (must be >= 1)", c.Transfer.Window)
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
