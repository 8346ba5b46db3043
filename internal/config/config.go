package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Storage engines a profile can run on.
const (
	EngineSQLite = "sqlite"
	EnginePebble = "pebble"
	EngineMemory = "memory"
)

// Config represents the global ~/.sbcache/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Engine         string `toml:"engine"`
	Database       string `toml:"database"`
	Table          string `toml:"table"`
	LogLevel       string `toml:"log_level"`
	Server         Server `toml:"server"`
}

// Server holds the endpoints of the channel service.
type Server struct {
	ChannelURL   string `toml:"channel_url"`
	ChannelWS    string `toml:"channel_ws"`
	StorageURL   string `toml:"storage_url"`
	ShareBaseURL string `toml:"share_base_url"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Engine:         EngineSQLite,
		Database:       "sb_data",
		Table:          "cache",
		LogLevel:       "info",
		Server: Server{
			ChannelURL:   "https://channel.384co.workers.dev",
			ChannelWS:    "wss://channel.384co.workers.dev",
			StorageURL:   "https://storage.384co.workers.dev",
			ShareBaseURL: "https://384.chat/rooms/",
		},
	}
}

// Load reads config from the given path. Fields missing from the file keep
// their defaults. Returns nil and an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects unknown engines and log levels.
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineSQLite, EnginePebble, EngineMemory:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.Database == "" || c.Table == "" {
		return errors.New("database and table must be set")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
