// Package config loads process configuration from the environment and
// optional static listener definitions from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/rickgao/orderbook-capture/internal/model"
)

// Config is the process-level configuration. Listener configurations live
// in the sink-backed store (or the static listeners file), not here.
type Config struct {
	// Database (the sink store)
	Database DBConfig

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Kalshi credentials (inline PEM wins over path)
	KalshiKeyID          string `env:"KALSHI_API_KEY_ID"`
	KalshiPrivateKey     string `env:"KALSHI_PRIVATE_KEY"`
	KalshiPrivateKeyPath string `env:"KALSHI_PRIVATE_KEY_PATH"`

	// Manager
	ReloadIntervalSec int    `env:"RELOAD_INTERVAL_SEC" envDefault:"60"`
	ListenersFile     string `env:"LISTENERS_FILE"` // optional static configs

	// Observability
	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`

	// Computed durations (not from env)
	ReloadInterval time.Duration `env:"-"`
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	Name     string `env:"DB_NAME"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"prefer"`
	MaxConns int    `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns int    `env:"DB_MIN_CONNS" envDefault:"2"`
}

// LoadFromEnv reads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	cfg.ReloadInterval = time.Duration(cfg.ReloadIntervalSec) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// listenersFile is the YAML shape of the static listeners file.
type listenersFile struct {
	Listeners []listenerEntry `yaml:"listeners"`
}

type listenerEntry struct {
	ID                   string         `yaml:"id"`
	Name                 string         `yaml:"name"`
	Platform             model.Platform `yaml:"platform"`
	Description          string         `yaml:"description"`
	Filters              model.Filters  `yaml:"filters"`
	DiscoveryIntervalSec int            `yaml:"discovery_interval_seconds"`
	EmitIntervalMS       int            `yaml:"emit_interval_ms"`
	EnableForwardFill    bool           `yaml:"enable_forward_fill"`
	IsActive             *bool          `yaml:"is_active"`
}

// LoadListenersFile parses static listener configs from a YAML file.
func LoadListenersFile(path string) ([]model.ListenerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read listeners file: %w", err)
	}

	var file listenersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse listeners file: %w", err)
	}

	configs := make([]model.ListenerConfig, 0, len(file.Listeners))
	for i, e := range file.Listeners {
		if e.ID == "" {
			return nil, fmt.Errorf("listeners[%d]: id is required", i)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("listeners[%d]: name is required", i)
		}
		if e.DiscoveryIntervalSec == 0 {
			e.DiscoveryIntervalSec = DefaultDiscoveryIntervalSec
		}
		if e.EmitIntervalMS == 0 {
			e.EmitIntervalMS = DefaultEmitIntervalMS
		}
		active := true
		if e.IsActive != nil {
			active = *e.IsActive
		}
		configs = append(configs, model.ListenerConfig{
			ID:                e.ID,
			Name:              e.Name,
			Platform:          e.Platform,
			Description:       e.Description,
			Filters:           e.Filters,
			DiscoveryInterval: time.Duration(e.DiscoveryIntervalSec) * time.Second,
			EmitInterval:      time.Duration(e.EmitIntervalMS) * time.Millisecond,
			EnableForwardFill: e.EnableForwardFill,
			IsActive:          active,
		})
	}

	return configs, nil
}
