// Package config loads grain's runtime configuration: a YAML file overrides
// GRAIN_* environment variables, which override built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EventStoreConfig selects and configures the C1 backend.
type EventStoreConfig struct {
	// Type is "in_memory" or "postgres".
	Type string `yaml:"type"`
	// DSN is the PostgreSQL connection string, used only when Type is
	// "postgres".
	DSN string `yaml:"dsn"`
}

// Config is grain's top-level configuration.
type Config struct {
	HTTPAddr   string           `yaml:"http_addr"`
	MetricsAddr string          `yaml:"metrics_addr"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogJSON    bool             `yaml:"log_json"`
	EventStore EventStoreConfig `yaml:"event_store"`
	// BusBufferSize is the per-subscriber channel capacity for the C2 bus.
	BusBufferSize int `yaml:"bus_buffer_size"`
}

// Default returns grain's built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:      "127.0.0.1:8080",
		MetricsAddr:   "127.0.0.1:9090",
		DataDir:       "./grain-data",
		LogLevel:      "info",
		LogJSON:       false,
		EventStore:    EventStoreConfig{Type: "in_memory"},
		BusBufferSize: 1024,
	}
}

// Load applies GRAIN_* environment variables over the defaults, then reads
// path (if non-empty) as YAML over that. An empty or missing path is not an
// error: it returns the defaults with environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	applyEnv(&cfg)

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// The YAML file, if present, overrides whatever defaults/env produced
	// above: its field values win wherever it sets them.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overrides cfg with any GRAIN_* environment variables present.
// Environment variables take the lowest precedence of the three layers
// since they're typically set once per deployment rather than per
// invocation.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GRAIN_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("GRAIN_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("GRAIN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GRAIN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GRAIN_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		}
	}
	if v := os.Getenv("GRAIN_EVENT_STORE_TYPE"); v != "" {
		cfg.EventStore.Type = v
	}
	if v := os.Getenv("GRAIN_EVENT_STORE_DSN"); v != "" {
		cfg.EventStore.DSN = v
	}
	if v := os.Getenv("GRAIN_BUS_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BusBufferSize = n
		}
	}
}
