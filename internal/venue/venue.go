package venue

import (
	"context"
	"errors"

	"github.com/rickgao/orderbook-capture/internal/model"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrStale        = errors.New("connection stale (no traffic)")
	ErrAuth         = errors.New("authentication failed")
	ErrClosed       = errors.New("feed closed")
)

// Event is a normalized message from a venue feed. Exactly one field is
// non-nil.
type Event struct {
	Snapshot *model.OrderbookSnapshot
	Trade    *model.Trade
}

// Discoverer finds markets matching a listener's filters via REST.
type Discoverer interface {
	// Discover returns all markets matching the filters, one per outcome
	// token. ListenerID is left for the caller to stamp.
	Discover(ctx context.Context, filters model.Filters) ([]model.Market, error)

	// Close releases any held resources.
	Close()
}

// Feed is a streaming connection delivering normalized book and trade
// events. Reconnection is owned by the caller: on an error from Errors()
// the caller closes the feed, backs off, and calls Connect again.
type Feed interface {
	// Connect establishes the streaming connection.
	Connect(ctx context.Context) error

	// Close tears the connection down.
	Close() error

	// Subscribe starts delivery for the given token IDs.
	Subscribe(ctx context.Context, tokenIDs []string) error

	// Unsubscribe stops delivery for the given token IDs.
	Unsubscribe(ctx context.Context, tokenIDs []string) error

	// Events returns the normalized event stream.
	Events() <-chan Event

	// Errors returns connection-level failures.
	Errors() <-chan error
}
