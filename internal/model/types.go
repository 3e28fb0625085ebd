package model

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies a prediction-market venue.
type Platform string

const (
	PlatformPolymarket Platform = "polymarket"
	PlatformKalshi     Platform = "kalshi"
)

// MarketState tracks where a market sits in its capture lifecycle.
type MarketState string

const (
	StateDiscovered MarketState = "discovered"
	StateSubscribed MarketState = "subscribed"
	StateActive     MarketState = "active"
	StateClosed     MarketState = "closed"
	StateRemoved    MarketState = "removed"
)

// -----------------------------------------------------------------------------
// Relational Types
// -----------------------------------------------------------------------------

// Market represents a single tradeable outcome token. Identity is
// (ListenerID, TokenID); a condition with N outcomes yields N Markets
// sharing ConditionID.
type Market struct {
	ListenerID   string      // Owning listener configuration
	Platform     Platform    // Source venue
	ConditionID  string      // Venue condition/market ID (non-unique)
	TokenID      string      // Outcome token ID (Kalshi: the market ticker)
	Slug         string      // Market slug
	EventSlug    string      // Parent event slug
	Title        string      // Market question/title
	Outcome      string      // Outcome label (e.g., "Yes"); empty for Kalshi
	OutcomeIndex int         // Position within the condition's outcome list
	EventID      string      // Parent event ID
	EventTitle   string      // Parent event title
	Category     string      // Category (from first event tag)
	Subcategory  string      // Subcategory (from second event tag)
	SeriesID     string      // Series ID or series ticker
	Tags         []string    // Tag labels
	Description  string      // Long description / rules
	StartTime    *time.Time  // Market open time
	EndTime      *time.Time  // Market close time
	Volume       float64     // Total volume
	Liquidity    float64     // Liquidity (Kalshi: open interest)
	IsActive     bool        // Venue reports the market as active
	IsClosed     bool        // Venue reports the market as closed
	State        MarketState // Capture lifecycle state
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ListenerConfig describes one capture configuration. Configs live in the
// sink-backed store (or a static file) and are owned externally; the
// manager reads, never writes.
type ListenerConfig struct {
	ID                string        `json:"id" yaml:"id"`
	Name              string        `json:"name" yaml:"name"`
	Platform          Platform      `json:"platform" yaml:"platform"`
	Description       string        `json:"description" yaml:"description"`
	Filters           Filters       `json:"filters" yaml:"filters"`
	DiscoveryInterval time.Duration `json:"-" yaml:"-"`
	EmitInterval      time.Duration `json:"-" yaml:"-"`
	EnableForwardFill bool          `json:"enable_forward_fill" yaml:"enable_forward_fill"`
	IsActive          bool          `json:"is_active" yaml:"is_active"`
}

// Equal reports whether two configs would produce the same listener.
// Used by the manager to decide stop+respawn on reload.
func (c ListenerConfig) Equal(o ListenerConfig) bool {
	if c.ID != o.ID || c.Name != o.Name || c.Platform != o.Platform ||
		c.DiscoveryInterval != o.DiscoveryInterval || c.EmitInterval != o.EmitInterval ||
		c.EnableForwardFill != o.EnableForwardFill || c.IsActive != o.IsActive {
		return false
	}
	return c.Filters.Equal(o.Filters)
}

// -----------------------------------------------------------------------------
// Time-Series Types
// -----------------------------------------------------------------------------

// OrderLevel is a single price level. Price is a decimal in [0, 1].
type OrderLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookSnapshot is a full normalized book state at a point in time.
// Bids are sorted price-descending, asks price-ascending. Derived fields
// are populated by ComputeDerived.
type OrderbookSnapshot struct {
	ID          uuid.UUID // Record ID (primary key at the sink)
	ListenerID  string
	Platform    Platform
	AssetID     string // Token ID the book belongs to
	Market      string // Condition ID / market ticker
	TimestampMS int64

	Bids []OrderLevel
	Asks []OrderLevel

	BestBid  *float64 // nil when bids empty
	BestAsk  *float64 // nil when asks empty
	Spread   *float64 // BestAsk - BestBid; nil unless both sides present
	MidPrice *float64 // (BestBid + BestAsk) / 2; nil unless both sides present
	BidDepth float64  // Sum of bid sizes
	AskDepth float64  // Sum of ask sizes

	Hash       string // Content digest over (bids, asks)
	RawPayload []byte // Original wire message; nil for forward-filled copies

	IsForwardFilled   bool   // True for synthetic cadence emissions
	SourceTimestampMS *int64 // Originating real event time when forward-filled
}

// TradeSide is the normalized aggressor side.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Trade represents an executed trade.
type Trade struct {
	ID          uuid.UUID
	ListenerID  string
	Platform    Platform
	AssetID     string
	Market      string
	TimestampMS int64
	Price       float64
	Size        float64
	Side        TradeSide
	FeeRateBPS  *int
	RawPayload  []byte
}

// StateTransition records a market lifecycle change for the history table.
type StateTransition struct {
	ListenerID    string
	Platform      Platform
	ConditionID   string
	TokenID       string
	PreviousState MarketState // Empty for the first transition
	NewState      MarketState
	Metadata      map[string]any
	OccurredAt    time.Time
}
