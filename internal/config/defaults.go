package config

// Default values for optional configuration fields.
const (
	DefaultPolymarketGammaURL = "https://gamma-api.polymarket.com"
	DefaultPolymarketWSURL    = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	DefaultKalshiRestURL      = "https://api.elections.kalshi.com/trade-api/v2"
	DefaultKalshiWSURL        = "wss://api.elections.kalshi.com/trade-api/ws/v2"

	DefaultDiscoveryIntervalSec = 60
	DefaultEmitIntervalMS       = 100
	DefaultReloadIntervalSec    = 60
	DefaultMetricsPort          = 9090
)

func (c *Config) applyDefaults() {
	if c.ReloadIntervalSec == 0 {
		c.ReloadIntervalSec = DefaultReloadIntervalSec
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = DefaultMetricsPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "prefer"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}
}
