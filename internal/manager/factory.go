package manager

import (
	"fmt"
	"log/slog"

	"github.com/rickgao/orderbook-capture/internal/auth"
	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/venue"
	"github.com/rickgao/orderbook-capture/internal/venue/kalshi"
	"github.com/rickgao/orderbook-capture/internal/venue/polymarket"
)

// AdapterOptions configures per-venue endpoints and credentials.
type AdapterOptions struct {
	GammaURL      string
	PolymarketWS  string
	KalshiRestURL string
	KalshiWSURL   string
	Credentials   *auth.Credentials // nil disables Kalshi listeners
}

// AdapterFactory builds the discoverer/feed pair for a listener config.
type AdapterFactory interface {
	New(cfg model.ListenerConfig) (venue.Discoverer, venue.Feed, error)
}

// Factory is the production AdapterFactory over the real venue packages.
type Factory struct {
	opts   AdapterOptions
	logger *slog.Logger
}

// NewFactory creates an adapter factory.
func NewFactory(opts AdapterOptions, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{opts: opts, logger: logger}
}

// New returns the adapters for the given config. The returned feed is not
// yet connected.
func (f *Factory) New(cfg model.ListenerConfig) (venue.Discoverer, venue.Feed, error) {
	logger := f.logger.With("listener", cfg.Name)

	switch cfg.Platform {
	case model.PlatformPolymarket:
		if cfg.Filters.Polymarket == nil {
			return nil, nil, fmt.Errorf("listener %s: polymarket filters missing", cfg.Name)
		}
		return polymarket.NewDiscoverer(f.opts.GammaURL, logger),
			polymarket.NewFeed(f.opts.PolymarketWS, logger), nil

	case model.PlatformKalshi:
		if cfg.Filters.Kalshi == nil {
			return nil, nil, fmt.Errorf("listener %s: kalshi filters missing", cfg.Name)
		}
		if f.opts.Credentials == nil {
			return nil, nil, fmt.Errorf("%w: listener %s: kalshi credentials not configured", venue.ErrAuth, cfg.Name)
		}
		return kalshi.NewDiscoverer(f.opts.KalshiRestURL, f.opts.Credentials, logger),
			kalshi.NewFeed(f.opts.KalshiWSURL, f.opts.Credentials, logger), nil

	default:
		return nil, nil, fmt.Errorf("listener %s: unknown platform %q", cfg.Name, cfg.Platform)
	}
}
