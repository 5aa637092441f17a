// Package config loads the gateway's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Storage backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config represents ~/.wppgw/config.toml.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Instance InstanceConfig `toml:"instance"`
	Webhook  WebhookConfig  `toml:"webhook"`
	AMQP     AMQPConfig     `toml:"amqp"`
	WS       WSConfig       `toml:"websocket"`
}

// StorageConfig selects and parameterizes the document store backend.
type StorageConfig struct {
	Backend string `toml:"backend"`
	// Dir overrides the file backend's data directory.
	Dir string `toml:"dir"`
	// Path overrides the sqlite backend's database file.
	Path string `toml:"path"`
	// Addr and friends configure the redis backend.
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// InstanceConfig carries per-session lifecycle policy.
type InstanceConfig struct {
	MaxQRRetries     int    `toml:"max_qr_retries"`
	MaxInitRetries   int    `toml:"max_init_retries"`
	MarkMessagesRead bool   `toml:"mark_messages_read"`
	RestoreOnStartup bool   `toml:"restore_on_startup"`
	ClientName       string `toml:"client_name"`
	// DropCredentialsOnClose wipes auth material when the reconnect budget
	// is exhausted, forcing a fresh pairing next time.
	DropCredentialsOnClose bool `toml:"drop_credentials_on_close"`
}

// WebhookConfig configures the HTTP callback sink.
type WebhookConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Filters string `toml:"filters"`
}

// AMQPConfig configures the broker callback sink.
type AMQPConfig struct {
	Enabled  bool   `toml:"enabled"`
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
	Filters  string `toml:"filters"`
}

// WSConfig configures the websocket callback sink and its listen address.
type WSConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Filters string `toml:"filters"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: BackendFile,
		},
		Instance: InstanceConfig{
			MaxQRRetries:     5,
			MaxInitRetries:   5,
			MarkMessagesRead: false,
			RestoreOnStartup: true,
			ClientName:       "wppgw",
		},
		AMQP: AMQPConfig{
			Exchange: "wppgw.events",
		},
		WS: WSConfig{
			Listen: "127.0.0.1:3390",
		},
	}
}

// Load reads config from the given path, layered over defaults. A missing
// file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendRedis && c.Storage.Addr == "" {
		return fmt.Errorf("storage backend %q requires addr", BackendRedis)
	}
	if c.Instance.MaxQRRetries < 1 {
		return fmt.Errorf("max_qr_retries must be at least 1")
	}
	if c.Instance.MaxInitRetries < 1 {
		return fmt.Errorf("max_init_retries must be at least 1")
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
