// Package config loads the relay's YAML configuration and applies
// environment variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the relay.
type Config struct {
	Server  Server  `yaml:"server"`
	Tasty   Tasty   `yaml:"tasty"`
	Stream  Stream  `yaml:"stream"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Tasty holds credentials and endpoints for the TastyTrade API.
type Tasty struct {
	BaseURL  string `yaml:"base_url"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
}

// Stream controls the join and broadcast behaviour of the streaming engine.
type Stream struct {
	ProximityWindowMS   int `yaml:"proximity_window_ms"`
	BroadcastIntervalMS int `yaml:"broadcast_interval_ms"`
	KeepaliveSeconds    int `yaml:"keepalive_seconds"`
}

// ProximityWindow returns the quote/greeks join window as a duration.
func (s Stream) ProximityWindow() time.Duration {
	return time.Duration(s.ProximityWindowMS) * time.Millisecond
}

// BroadcastInterval returns the minimum spacing between broadcasts.
func (s Stream) BroadcastInterval() time.Duration {
	return time.Duration(s.BroadcastIntervalMS) * time.Millisecond
}

// Keepalive returns the client ping interval.
func (s Stream) Keepalive() time.Duration {
	return time.Duration(s.KeepaliveSeconds) * time.Second
}

// Storage holds paths for data persistence. An empty SQLitePath disables the
// best-effort analytics sink.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies defaults, and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Tasty.BaseURL == "" {
		cfg.Tasty.BaseURL = "https://api.cert.tastyworks.com"
	}
	if cfg.Stream.ProximityWindowMS == 0 {
		cfg.Stream.ProximityWindowMS = 2000
	}
	if cfg.Stream.BroadcastIntervalMS == 0 {
		cfg.Stream.BroadcastIntervalMS = 100
	}
	if cfg.Stream.KeepaliveSeconds == 0 {
		cfg.Stream.KeepaliveSeconds = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASTY_BASE_URL"); v != "" {
		cfg.Tasty.BaseURL = v
	}
	if v := os.Getenv("TASTY_LOGIN"); v != "" {
		cfg.Tasty.Login = v
	}
	if v := os.Getenv("TASTY_PASSWORD"); v != "" {
		cfg.Tasty.Password = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
}
