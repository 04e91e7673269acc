package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.syncd/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// UserID identifies the local user; remote subscriptions are scoped
	// to changes visible to this user.
	UserID string `toml:"user_id"`

	// Remote connection settings.
	RemoteAddr     string `toml:"remote_addr"`
	RemotePassword string `toml:"remote_password"`
	RemoteDB       int    `toml:"remote_db"`

	// Replication tuning. Zero values fall back to built-in defaults.
	PushIntervalSec int `toml:"push_interval_sec"`
	MaxRetries      int `toml:"max_retries"`
	BackoffBaseMs   int `toml:"backoff_base_ms"`
	PingIntervalSec int `toml:"ping_interval_sec"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile:  "main",
		RemoteAddr:      "localhost:6379",
		PushIntervalSec: 10,
		MaxRetries:      5,
		BackoffBaseMs:   1000,
		PingIntervalSec: 5,
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
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
