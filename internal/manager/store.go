package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/orderbook-capture/internal/config"
	"github.com/rickgao/orderbook-capture/internal/model"
)

// ConfigSource yields the active listener configurations. Sources are
// read-only: configs are owned externally.
type ConfigSource interface {
	LoadActive(ctx context.Context) ([]model.ListenerConfig, error)
}

// StoreSource reads listener configs from the sink-backed listeners table.
type StoreSource struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewStoreSource creates a database config source.
func NewStoreSource(db *pgxpool.Pool, logger *slog.Logger) *StoreSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSource{db: db, logger: logger.With("component", "config_store")}
}

// LoadActive returns all is_active configs. Rows with unparseable filters
// are skipped with an error log; one corrupt config must not take down
// its peers.
func (s *StoreSource) LoadActive(ctx context.Context) ([]model.ListenerConfig, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, name, platform,
		       COALESCE(description, ''),
		       COALESCE(filters, '{}'::jsonb),
		       COALESCE(discovery_interval_seconds, 60),
		       COALESCE(emit_interval_ms, 100),
		       COALESCE(enable_forward_fill, false),
		       is_active
		FROM listeners
		WHERE is_active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("query listeners: %w", err)
	}
	defer rows.Close()

	var configs []model.ListenerConfig
	for rows.Next() {
		var (
			cfg                  model.ListenerConfig
			platform             string
			rawFilters           []byte
			discoverySec, emitMS int
		)
		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &platform,
			&cfg.Description, &rawFilters,
			&discoverySec, &emitMS,
			&cfg.EnableForwardFill, &cfg.IsActive,
		); err != nil {
			return nil, fmt.Errorf("scan listener row: %w", err)
		}

		cfg.Platform = model.Platform(platform)
		cfg.DiscoveryInterval = time.Duration(discoverySec) * time.Second
		cfg.EmitInterval = time.Duration(emitMS) * time.Millisecond

		filters, err := model.DecodeFilters(cfg.Platform, rawFilters)
		if err != nil {
			s.logger.Error("skipping listener with corrupt filters",
				"listener", cfg.Name,
				"error", err,
			)
			continue
		}
		cfg.Filters = filters

		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// FileSource reads static listener configs from a YAML file.
type FileSource struct {
	path string
}

// NewFileSource creates a file config source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// LoadActive returns the file's active configs.
func (f *FileSource) LoadActive(ctx context.Context) ([]model.ListenerConfig, error) {
	configs, err := config.LoadListenersFile(f.path)
	if err != nil {
		return nil, err
	}

	active := configs[:0:0]
	for _, c := range configs {
		if c.IsActive {
			active = append(active, c)
		}
	}
	return active, nil
}
