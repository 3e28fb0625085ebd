package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rickgao/orderbook-capture/internal/model"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_NAME", "capture")
	t.Setenv("DB_USER", "capture")
	t.Setenv("DB_PASSWORD", "secret")
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RELOAD_INTERVAL_SEC", "30")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want localhost", cfg.Database.Host)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.ReloadInterval != 30*time.Second {
		t.Errorf("ReloadInterval = %v, want 30s", cfg.ReloadInterval)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.ReloadInterval != 60*time.Second {
		t.Errorf("ReloadInterval = %v, want 60s", cfg.ReloadInterval)
	}
	if cfg.MetricsPort != DefaultMetricsPort {
		t.Errorf("MetricsPort = %d, want %d", cfg.MetricsPort, DefaultMetricsPort)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Database.Port = %d, want 5432", cfg.Database.Port)
	}
	if cfg.Database.SSLMode != "prefer" {
		t.Errorf("Database.SSLMode = %q, want prefer", cfg.Database.SSLMode)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	t.Run("MissingDBName", func(t *testing.T) {
		t.Setenv("DB_HOST", "localhost")
		t.Setenv("DB_NAME", "")
		t.Setenv("DB_USER", "capture")
		if _, err := LoadFromEnv(); err == nil {
			t.Error("expected error for missing db name")
		}
	})

	t.Run("BadLogLevel", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("LOG_LEVEL", "verbose")
		if _, err := LoadFromEnv(); err == nil {
			t.Error("expected error for bad log level")
		}
	})
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "listeners.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadListenersFile(t *testing.T) {
	yaml := `
listeners:
  - id: nba-main
    name: nba
    platform: polymarket
    filters:
      polymarket:
        series_ids: ["10345"]
        min_volume: 1000
    discovery_interval_seconds: 120
    emit_interval_ms: 250
    enable_forward_fill: true
  - id: kx-elections
    name: elections
    platform: kalshi
    filters:
      kalshi:
        series_tickers: ["KXELECTION"]
        status: open
    is_active: false
`
	path := writeTempFile(t, yaml)

	configs, err := LoadListenersFile(path)
	if err != nil {
		t.Fatalf("LoadListenersFile failed: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("got %d configs, want 2", len(configs))
	}

	first := configs[0]
	if first.ID != "nba-main" {
		t.Errorf("ID = %q, want nba-main", first.ID)
	}
	if first.Platform != model.PlatformPolymarket {
		t.Errorf("Platform = %q, want polymarket", first.Platform)
	}
	if first.DiscoveryInterval != 2*time.Minute {
		t.Errorf("DiscoveryInterval = %v, want 2m", first.DiscoveryInterval)
	}
	if first.EmitInterval != 250*time.Millisecond {
		t.Errorf("EmitInterval = %v, want 250ms", first.EmitInterval)
	}
	if !first.EnableForwardFill {
		t.Error("EnableForwardFill = false, want true")
	}
	if !first.IsActive {
		t.Error("IsActive should default to true")
	}
	if first.Filters.Polymarket == nil || len(first.Filters.Polymarket.SeriesIDs) != 1 {
		t.Errorf("Filters.Polymarket = %+v, want one series", first.Filters.Polymarket)
	}

	second := configs[1]
	if second.IsActive {
		t.Error("explicit is_active: false not honored")
	}
	if second.DiscoveryInterval != time.Duration(DefaultDiscoveryIntervalSec)*time.Second {
		t.Errorf("DiscoveryInterval = %v, want default", second.DiscoveryInterval)
	}
	if second.Filters.Kalshi == nil {
		t.Error("Filters.Kalshi nil")
	}
}

func TestLoadListenersFile_Invalid(t *testing.T) {
	t.Run("MissingID", func(t *testing.T) {
		path := writeTempFile(t, "listeners:\n  - name: x\n")
		if _, err := LoadListenersFile(path); err == nil {
			t.Error("expected error for missing id")
		}
	})

	t.Run("BadYAML", func(t *testing.T) {
		path := writeTempFile(t, "listeners: [")
		if _, err := LoadListenersFile(path); err == nil {
			t.Error("expected error for bad yaml")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := LoadListenersFile("/does/not/exist.yaml"); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
