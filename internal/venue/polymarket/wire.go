package polymarket

import "encoding/json"

// Wire types for the Gamma REST API.

// gammaEvent is an event envelope from GET /events. Markets are embedded.
type gammaEvent struct {
	ID      string        `json:"id"`
	Slug    string        `json:"slug"`
	Title   string        `json:"title"`
	Tags    []gammaTag    `json:"tags"`
	Series  []gammaSeries `json:"series"`
	Markets []gammaMarket `json:"markets"`
}

type gammaTag struct {
	ID    json.Number `json:"id"`
	Label string      `json:"label"`
	Slug  string      `json:"slug"`
}

type gammaSeries struct {
	ID json.Number `json:"id"`
}

// gammaMarket is a market from GET /markets or embedded in an event.
type gammaMarket struct {
	ID           string      `json:"id"`
	ConditionID  string      `json:"conditionId"`
	Question     string      `json:"question"`
	Slug         string      `json:"slug"`
	Description  string      `json:"description"`
	Outcomes     stringList  `json:"outcomes"`
	ClobTokenIDs stringList  `json:"clobTokenIds"`
	Volume       json.Number `json:"volume"`
	Liquidity    json.Number `json:"liquidity"`
	StartDate    string      `json:"startDate"`
	EndDate      string      `json:"endDate"`
	Active       bool        `json:"active"`
	Closed       bool        `json:"closed"`
}

// stringList handles the Gamma API's double-encoded JSON arrays
// (`"[\"Yes\", \"No\"]"`) as well as plain arrays.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, (*[]string)(l))
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*l = nil
		return nil
	}
	return json.Unmarshal([]byte(s), (*[]string)(l))
}

// Wire types for the CLOB market WebSocket.

// wsEnvelope is used for fast event type extraction.
type wsEnvelope struct {
	EventType string `json:"event_type"`
}

// wsSubscribe is the client-initiated subscription frame. Operation is
// empty for subscribe, "unsubscribe" to drop assets.
type wsSubscribe struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
	Operation string   `json:"operation,omitempty"`
}

// wsOrderSummary is a price level as [price, size] decimal strings. Both the
// tuple form and the {"price","size"} object form decode.
type wsOrderSummary struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (l *wsOrderSummary) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var pair []string
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) >= 2 {
			l.Price, l.Size = pair[0], pair[1]
		}
		return nil
	}
	type object wsOrderSummary
	return json.Unmarshal(data, (*object)(l))
}

// wsBook is a full-depth snapshot (event_type "book").
type wsBook struct {
	EventType string           `json:"event_type"`
	AssetID   string           `json:"asset_id"`
	Market    string           `json:"market"`
	Timestamp string           `json:"timestamp"` // ms as string
	Hash      string           `json:"hash"`
	Bids      []wsOrderSummary `json:"bids"`
	Asks      []wsOrderSummary `json:"asks"`
	// Some feed versions label the sides buys/sells.
	Buys  []wsOrderSummary `json:"buys"`
	Sells []wsOrderSummary `json:"sells"`
}

// wsPriceChange is a level delta (event_type "price_change"). Newer feed
// versions batch changes per message; older ones inline a single change.
type wsPriceChange struct {
	EventType string         `json:"event_type"`
	Market    string         `json:"market"`
	AssetID   string         `json:"asset_id"`
	Timestamp string         `json:"timestamp"`
	Changes   []wsPriceLevel `json:"changes"`

	// Flat single-change form
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"`
}

type wsPriceLevel struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // "BUY" or "SELL"
}

// wsLastTradePrice is a trade print (event_type "last_trade_price").
type wsLastTradePrice struct {
	EventType  string `json:"event_type"`
	AssetID    string `json:"asset_id"`
	Market     string `json:"market"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	Side       string `json:"side"` // "BUY" or "SELL"
	FeeRateBPS string `json:"fee_rate_bps"`
	Timestamp  string `json:"timestamp"` // ms as string
}
