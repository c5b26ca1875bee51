package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.morada/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// UserID is the local account id, used to tell own messages from the
	// peer's. The MORADA_USER_ID environment variable overrides it.
	UserID string `toml:"user_id"`

	Server ServerConfig `toml:"server"`
	Sync   SyncConfig   `toml:"sync"`
}

// ServerConfig holds the backend endpoints.
type ServerConfig struct {
	SocketURL string `toml:"socket_url"`
	APIURL    string `toml:"api_url"`
}

// SyncConfig holds the tuning knobs of the sync engine. All intervals are
// in milliseconds so the file stays plain integers.
type SyncConfig struct {
	HeartbeatIntervalMs  int `toml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs   int `toml:"heartbeat_timeout_ms"`
	BackoffBaseMs        int `toml:"backoff_base_ms"`
	BackoffCapMs         int `toml:"backoff_cap_ms"`
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
	QueueCapacity        int `toml:"queue_capacity"`
	TypingExpiryMs       int `toml:"typing_expiry_ms"`
	TypingIdleMs         int `toml:"typing_idle_ms"`
	HistoryPageSize      int `toml:"history_page_size"`
	ViewportRowHeight    int `toml:"viewport_row_height"`
	ViewportOverscan     int `toml:"viewport_overscan"`
}

// Default returns a config with every tuning knob set to its default value.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		Server: ServerConfig{
			SocketURL: "wss://api.morada.app/ws/chat",
			APIURL:    "https://api.morada.app",
		},
		Sync: SyncConfig{
			HeartbeatIntervalMs:  25000,
			HeartbeatTimeoutMs:   10000,
			BackoffBaseMs:        500,
			BackoffCapMs:         30000,
			MaxReconnectAttempts: 10,
			QueueCapacity:        256,
			TypingExpiryMs:       3000,
			TypingIdleMs:         2000,
			HistoryPageSize:      50,
			ViewportRowHeight:    48,
			ViewportOverscan:     8,
		},
	}
}

// Load reads config from the given path, filling unset tuning knobs with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
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
