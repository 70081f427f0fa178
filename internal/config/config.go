// Package config handles loading, validating, and writing the recaudit
// service configuration from <data-dir>/config.yaml.
//
// The config defines:
//   - Server bind address (host:port, loopback by default)
//   - Ledger database filename
//   - Verifier chunk size for background scans
//   - Integrity scheduler cadence
//   - Live feed / status page toggle
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level recaudit configuration. Loaded from
// config.yaml with defaults applied for unset fields.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Feed      FeedConfig      `yaml:"feed"`
}

// ServerConfig defines where the audit API listens.
// Default: 127.0.0.1:3180 (loopback only — the UI boundary and the
// entity services run on the same machine).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LedgerConfig controls the store and the verifier.
//
// ChunkSize bounds how many rows a single verification chunk loads; the
// full scan yields between chunks so large-ledger scans never block
// interactive operations.
type LedgerConfig struct {
	Database  string `yaml:"database"`
	ChunkSize int64  `yaml:"chunkSize"`
}

// SchedulerConfig controls the background integrity scheduler.
//
// IntervalMinutes is the coarse pass cadence. Default: 60 (hourly).
type SchedulerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"intervalMinutes"`
}

// Interval returns the pass cadence as a duration.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// FeedConfig controls the WebSocket live feed and the status page.
type FeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — defaults. Normal on first run.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header, for first-run setups.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# recaudit configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3180)
#
# ledger:
#   database:  Ledger database filename inside the data directory
#   chunkSize: Rows per verification chunk (background scans yield between chunks)
#
# scheduler:
#   enabled:         Run periodic background integrity checks
#   intervalMinutes: Pass cadence in minutes (default: 60)
#
# feed:
#   enabled: Serve the WebSocket live feed and status page

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field set to its default.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3180,
		},
		Ledger: LedgerConfig{
			Database:  "audit.db",
			ChunkSize: 2000,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			IntervalMinutes: 60,
		},
		Feed: FeedConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Ledger.Database == "" {
		return fmt.Errorf("ledger.database must not be empty")
	}
	if cfg.Ledger.ChunkSize < 1 {
		return fmt.Errorf("ledger.chunkSize must be positive")
	}
	if cfg.Scheduler.IntervalMinutes < 1 {
		return fmt.Errorf("scheduler.intervalMinutes must be at least 1")
	}
	return nil
}
