package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/venue"
)

const (
	pingInterval     = 5 * time.Second
	idleTimeout      = 30 * time.Second
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	eventBufferSize  = 1000
)

// Feed streams the CLOB market channel. It keeps a per-token book so that
// price_change deltas can be re-emitted as full normalized snapshots.
//
// The feed survives Close/Connect cycles: per-token book state is retained.
// The feed keeps no record of subscribed tokens; after a reconnect the
// caller calls Subscribe again for the tokens it wants.
type Feed struct {
	url    string
	logger *slog.Logger

	events chan venue.Event
	errors chan error

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	lastMsgAt time.Time
	done      chan struct{}

	writeMu sync.Mutex

	booksMu sync.Mutex
	books   map[string]*bookState
}

// NewFeed creates a market-channel WebSocket client.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		url:    wsURL,
		logger: logger.With("component", "polymarket_feed"),
		events: make(chan venue.Event, eventBufferSize),
		errors: make(chan error, 1),
		books:  make(map[string]*bookState),
	}
}

// Connect dials the WebSocket and starts the read and ping loops.
func (f *Feed) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	done := make(chan struct{})

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.lastMsgAt = time.Now()
	f.done = done
	f.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		f.touch()
		return nil
	})

	go f.readLoop(conn, done)
	go f.pingLoop(conn, done)

	f.logger.Debug("websocket connected", "url", f.url)
	return nil
}

// Close tears the connection down. The feed can be reconnected afterwards.
func (f *Feed) Close() error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = false
	conn := f.conn
	close(f.done)
	f.mu.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}

// Subscribe sends a market subscription frame for the given tokens.
func (f *Feed) Subscribe(ctx context.Context, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	return f.send(wsSubscribe{AssetsIDs: tokenIDs, Type: "market"})
}

// Unsubscribe drops the given tokens and forgets their book state. State
// is forgotten even when the frame cannot be sent (e.g. mid-reconnect):
// a dead connection cannot deliver for the token anyway.
func (f *Feed) Unsubscribe(ctx context.Context, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}

	f.booksMu.Lock()
	for _, id := range tokenIDs {
		delete(f.books, id)
	}
	f.booksMu.Unlock()

	return f.send(wsSubscribe{AssetsIDs: tokenIDs, Type: "market", Operation: "unsubscribe"})
}

// Events returns the normalized event stream.
func (f *Feed) Events() <-chan venue.Event { return f.events }

// Errors returns connection-level failures.
func (f *Feed) Errors() <-chan error { return f.errors }

func (f *Feed) send(v any) error {
	f.mu.RLock()
	connected, conn := f.connected, f.conn
	f.mu.RUnlock()
	if !connected {
		return venue.ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (f *Feed) touch() {
	f.mu.Lock()
	f.lastMsgAt = time.Now()
	f.mu.Unlock()
}

func (f *Feed) reportError(err error) {
	select {
	case f.errors <- err:
	default:
	}
}

func (f *Feed) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				f.reportError(err)
			}
			return
		}

		f.touch()
		f.handleMessage(data)
	}
}

// pingLoop sends a WebSocket ping frame every 5s and treats 30s of silence as a
// broken connection.
func (f *Feed) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				f.logger.Debug("failed to send ping", "error", err)
			}

			f.mu.RLock()
			last := f.lastMsgAt
			f.mu.RUnlock()

			if time.Since(last) > idleTimeout {
				f.logger.Warn("no traffic on connection", "last_message", last)
				f.reportError(venue.ErrStale)
				conn.Close()
				return
			}
		}
	}
}

// handleMessage decodes a raw frame. The CLOB feed batches events as JSON
// arrays on subscription; single events arrive as objects.
func (f *Feed) handleMessage(data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "PONG" {
		return
	}

	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			f.logger.Warn("malformed batch frame", "error", err)
			return
		}
		for _, raw := range batch {
			f.handleEvent(raw)
		}
		return
	}

	f.handleEvent(data)
}

func (f *Feed) handleEvent(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Warn("malformed event frame", "error", err)
		return
	}

	switch env.EventType {
	case "book":
		f.handleBook(data)
	case "price_change":
		f.handlePriceChange(data)
	case "last_trade_price":
		f.handleLastTradePrice(data)
	default:
		f.logger.Debug("skipping event type", "type", env.EventType)
	}
}

// handleBook replaces the token's book state and emits a full snapshot.
func (f *Feed) handleBook(data []byte) {
	var wire wsBook
	if err := json.Unmarshal(data, &wire); err != nil {
		f.logger.Warn("malformed book event", "error", err)
		return
	}

	bids := wire.Bids
	if len(bids) == 0 {
		bids = wire.Buys
	}
	asks := wire.Asks
	if len(asks) == 0 {
		asks = wire.Sells
	}

	f.booksMu.Lock()
	book := f.bookFor(wire.AssetID, wire.Market)
	book.replace(bids, asks)
	bidLevels, askLevels := book.levels()
	f.booksMu.Unlock()

	f.emitSnapshot(wire.AssetID, book.market, parseMillis(wire.Timestamp), bidLevels, askLevels, data)
}

// handlePriceChange applies level deltas to the held book and emits the
// resulting full snapshot. A delta for an absent level is an insert.
func (f *Feed) handlePriceChange(data []byte) {
	var wire wsPriceChange
	if err := json.Unmarshal(data, &wire); err != nil {
		f.logger.Warn("malformed price_change event", "error", err)
		return
	}

	changes := wire.Changes
	if len(changes) == 0 && wire.Price != "" {
		changes = []wsPriceLevel{{
			AssetID: wire.AssetID,
			Price:   wire.Price,
			Size:    wire.Size,
			Side:    wire.Side,
		}}
	}

	ts := parseMillis(wire.Timestamp)

	// Changes may span assets; group and emit one snapshot per touched book.
	touched := make(map[string]*bookState)
	f.booksMu.Lock()
	for _, ch := range changes {
		assetID := ch.AssetID
		if assetID == "" {
			assetID = wire.AssetID
		}
		book := f.bookFor(assetID, wire.Market)
		book.apply(ch)
		touched[assetID] = book
	}
	type emitted struct {
		assetID    string
		market     string
		bids, asks []model.OrderLevel
	}
	out := make([]emitted, 0, len(touched))
	for assetID, book := range touched {
		bids, asks := book.levels()
		out = append(out, emitted{assetID: assetID, market: book.market, bids: bids, asks: asks})
	}
	f.booksMu.Unlock()

	for _, e := range out {
		f.emitSnapshot(e.assetID, e.market, ts, e.bids, e.asks, data)
	}
}

func (f *Feed) handleLastTradePrice(data []byte) {
	var wire wsLastTradePrice
	if err := json.Unmarshal(data, &wire); err != nil {
		f.logger.Warn("malformed trade event", "error", err)
		return
	}

	price, err := strconv.ParseFloat(wire.Price, 64)
	if err != nil {
		f.logger.Warn("bad trade price", "price", wire.Price)
		return
	}
	size, _ := strconv.ParseFloat(wire.Size, 64)

	trade := &model.Trade{
		ID:          uuid.New(),
		Platform:    model.PlatformPolymarket,
		AssetID:     wire.AssetID,
		Market:      wire.Market,
		TimestampMS: parseMillis(wire.Timestamp),
		Price:       price,
		Size:        size,
		Side:        normalizeSide(wire.Side),
		RawPayload:  data,
	}
	if bps, err := strconv.Atoi(wire.FeeRateBPS); err == nil {
		trade.FeeRateBPS = &bps
	}

	f.deliver(venue.Event{Trade: trade})
}

func (f *Feed) emitSnapshot(assetID, market string, ts int64, bids, asks []model.OrderLevel, raw []byte) {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	f.deliver(venue.Event{Snapshot: &model.OrderbookSnapshot{
		ID:          uuid.New(),
		Platform:    model.PlatformPolymarket,
		AssetID:     assetID,
		Market:      market,
		TimestampMS: ts,
		Bids:        bids,
		Asks:        asks,
		RawPayload:  raw,
	}})
}

func (f *Feed) deliver(ev venue.Event) {
	select {
	case f.events <- ev:
	default:
		f.logger.Warn("event buffer full, dropping event")
	}
}

// bookFor returns the token's book, creating it if needed.
// Caller holds booksMu.
func (f *Feed) bookFor(assetID, market string) *bookState {
	book, ok := f.books[assetID]
	if !ok {
		book = &bookState{
			market: market,
			bids:   make(map[float64]float64),
			asks:   make(map[float64]float64),
		}
		f.books[assetID] = book
	}
	if market != "" {
		book.market = market
	}
	return book
}

func normalizeSide(side string) model.TradeSide {
	if strings.EqualFold(side, "SELL") {
		return model.SideSell
	}
	return model.SideBuy
}

func parseMillis(s string) int64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// bookState holds one token's aggregated levels keyed by price.
type bookState struct {
	market string
	bids   map[float64]float64
	asks   map[float64]float64
}

func (b *bookState) replace(bids, asks []wsOrderSummary) {
	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	for _, l := range bids {
		if price, size, ok := parseLevel(l); ok && size > 0 {
			b.bids[price] = size
		}
	}
	for _, l := range asks {
		if price, size, ok := parseLevel(l); ok && size > 0 {
			b.asks[price] = size
		}
	}
}

func (b *bookState) apply(ch wsPriceLevel) {
	price, err := strconv.ParseFloat(ch.Price, 64)
	if err != nil {
		return
	}
	size, err := strconv.ParseFloat(ch.Size, 64)
	if err != nil {
		return
	}

	side := b.bids
	if strings.EqualFold(ch.Side, "SELL") {
		side = b.asks
	}
	if size <= 0 {
		delete(side, price)
	} else {
		side[price] = size
	}
}

// levels returns bids sorted descending and asks ascending.
func (b *bookState) levels() (bids, asks []model.OrderLevel) {
	bids = make([]model.OrderLevel, 0, len(b.bids))
	for price, size := range b.bids {
		bids = append(bids, model.OrderLevel{Price: price, Size: size})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })

	asks = make([]model.OrderLevel, 0, len(b.asks))
	for price, size := range b.asks {
		asks = append(asks, model.OrderLevel{Price: price, Size: size})
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return bids, asks
}

func parseLevel(l wsOrderSummary) (price, size float64, ok bool) {
	price, err := strconv.ParseFloat(l.Price, 64)
	if err != nil {
		return 0, 0, false
	}
	size, err = strconv.ParseFloat(l.Size, 64)
	if err != nil {
		return 0, 0, false
	}
	return price, size, true
}
