package kalshi

import "encoding/json"

// Wire types for the Kalshi REST API.

type marketsResponse struct {
	Markets []apiMarket `json:"markets"`
	Cursor  string      `json:"cursor"`
}

type singleMarketResponse struct {
	Market apiMarket `json:"market"`
}

// apiMarket is a market from GET /markets.
type apiMarket struct {
	Ticker       string `json:"ticker"`
	EventTicker  string `json:"event_ticker"`
	SeriesTicker string `json:"series_ticker"`
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	RulesPrimary string `json:"rules_primary"`

	Volume       int64 `json:"volume"`
	OpenInterest int64 `json:"open_interest"`

	// Timestamps (ISO 8601)
	OpenTime  string `json:"open_time"`
	CloseTime string `json:"close_time"`
}

// Wire types for the Kalshi WebSocket.

// wsCommand is a client command frame.
type wsCommand struct {
	ID     int64    `json:"id"`
	Cmd    string   `json:"cmd"`
	Params wsParams `json:"params"`
}

type wsParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

// wsMessage is the server message envelope.
type wsMessage struct {
	Type string          `json:"type"`
	ID   int64           `json:"id,omitempty"`
	SID  int64           `json:"sid,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg"`
}

// wsSnapshotMsg is the payload of an orderbook_snapshot message.
// Levels are [price_cents, quantity] pairs.
type wsSnapshotMsg struct {
	MarketTicker string  `json:"market_ticker"`
	Yes          [][]int `json:"yes"`
	No           [][]int `json:"no"`
	TS           int64   `json:"ts"` // seconds
}

// wsDeltaMsg is the payload of an orderbook_delta message.
type wsDeltaMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        int    `json:"price"` // cents
	Delta        int    `json:"delta"`
	Side         string `json:"side"` // "yes" or "no"
	TS           int64  `json:"ts"`   // seconds
}

// wsTradeMsg is the payload of a trade message.
type wsTradeMsg struct {
	MarketTicker string `json:"market_ticker"`
	TradeID      string `json:"trade_id"`
	YesPrice     int    `json:"yes_price"` // cents
	NoPrice      int    `json:"no_price"`  // cents
	Count        int    `json:"count"`
	TakerSide    string `json:"taker_side"` // "yes" or "no"
	TS           int64  `json:"ts"`         // seconds
}

// wsErrorMsg is the payload of an error message.
type wsErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
