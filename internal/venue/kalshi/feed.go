package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/orderbook-capture/internal/auth"
	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/venue"
)

const (
	idleTimeout      = 30 * time.Second
	heartbeatPeriod  = 10 * time.Second
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	eventBufferSize  = 1000
)

// Feed streams the orderbook_delta and trade channels. Each subscribed
// ticker gets a reconstructed book: the initial orderbook_snapshot replaces
// state, deltas mutate it, and every apply emits a full normalized
// snapshot.
//
// Book state and the subscribed set survive Close/Connect cycles so a
// reconnecting caller resumes cleanly.
type Feed struct {
	url    string
	creds  *auth.Credentials
	logger *slog.Logger

	events chan venue.Event
	errors chan error

	cmdID atomic.Int64

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	lastMsgAt time.Time
	done      chan struct{}

	writeMu sync.Mutex

	booksMu sync.Mutex
	books   map[string]*book
}

// NewFeed creates an authenticated WebSocket client.
func NewFeed(wsURL string, creds *auth.Credentials, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		url:    wsURL,
		creds:  creds,
		logger: logger.With("component", "kalshi_feed"),
		events: make(chan venue.Event, eventBufferSize),
		errors: make(chan error, 1),
		books:  make(map[string]*book),
	}
}

// Connect dials the WebSocket with signed upgrade headers.
func (f *Feed) Connect(ctx context.Context) error {
	headers, err := f.creds.SignWebSocket()
	if err != nil {
		return fmt.Errorf("%w: %v", venue.ErrAuth, err)
	}

	header := http.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, f.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: upgrade rejected with %d", venue.ErrAuth, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	done := make(chan struct{})

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.lastMsgAt = time.Now()
	f.done = done
	f.mu.Unlock()

	// Kalshi sends server pings; answering keeps the connection marked live.
	conn.SetPingHandler(func(data string) error {
		f.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		f.touch()
		return nil
	})

	go f.readLoop(conn, done)
	go f.heartbeatLoop(conn, done)

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

// Subscribe opens orderbook_delta and trade delivery for the tickers.
func (f *Feed) Subscribe(ctx context.Context, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}

	f.booksMu.Lock()
	for _, ticker := range tokenIDs {
		if _, ok := f.books[ticker]; !ok {
			f.books[ticker] = newBook(ticker)
		}
	}
	f.booksMu.Unlock()

	return f.sendCommand("subscribe", tokenIDs)
}

// Unsubscribe stops delivery and forgets the tickers' book state. State
// is forgotten even when the command cannot be sent mid-reconnect.
func (f *Feed) Unsubscribe(ctx context.Context, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}

	f.booksMu.Lock()
	for _, ticker := range tokenIDs {
		delete(f.books, ticker)
	}
	f.booksMu.Unlock()

	return f.sendCommand("unsubscribe", tokenIDs)
}

// Events returns the normalized event stream.
func (f *Feed) Events() <-chan venue.Event { return f.events }

// Errors returns connection-level failures.
func (f *Feed) Errors() <-chan error { return f.errors }

func (f *Feed) sendCommand(cmd string, tickers []string) error {
	f.mu.RLock()
	connected, conn := f.connected, f.conn
	f.mu.RUnlock()
	if !connected {
		return venue.ErrNotConnected
	}

	frame := wsCommand{
		ID:  f.cmdID.Add(1),
		Cmd: cmd,
		Params: wsParams{
			Channels:      []string{"orderbook_delta", "trade"},
			MarketTickers: tickers,
		},
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
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

// heartbeatLoop sends client pings and treats prolonged silence as a
// broken connection.
func (f *Feed) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(heartbeatPeriod)
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

func (f *Feed) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("malformed frame", "error", err)
		return
	}

	switch msg.Type {
	case "orderbook_snapshot":
		f.handleSnapshot(msg, data)
	case "orderbook_delta":
		f.handleDelta(msg, data)
	case "trade":
		f.handleTrade(msg, data)
	case "subscribed", "unsubscribed", "ok":
		f.logger.Debug("command acknowledged", "type", msg.Type, "id", msg.ID, "sid", msg.SID)
	case "error":
		var errMsg wsErrorMsg
		json.Unmarshal(msg.Msg, &errMsg)
		f.logger.Error("server error", "code", errMsg.Code, "message", errMsg.Message)
	default:
		f.logger.Debug("skipping message type", "type", msg.Type)
	}
}

func (f *Feed) handleSnapshot(msg wsMessage, raw []byte) {
	var snap wsSnapshotMsg
	if err := json.Unmarshal(msg.Msg, &snap); err != nil {
		f.logger.Warn("malformed orderbook_snapshot", "error", err)
		return
	}

	f.booksMu.Lock()
	b, ok := f.books[snap.MarketTicker]
	if !ok {
		// Snapshot for a ticker we were not tracking: start tracking it.
		b = newBook(snap.MarketTicker)
		f.books[snap.MarketTicker] = b
	}
	b.applySnapshot(snap.Yes, snap.No, msg.Seq)
	bids, asks := b.levels()
	f.booksMu.Unlock()

	f.emitSnapshot(snap.MarketTicker, secondsToMillis(snap.TS), bids, asks, raw)
}

func (f *Feed) handleDelta(msg wsMessage, raw []byte) {
	var delta wsDeltaMsg
	if err := json.Unmarshal(msg.Msg, &delta); err != nil {
		f.logger.Warn("malformed orderbook_delta", "error", err)
		return
	}

	f.booksMu.Lock()
	b, ok := f.books[delta.MarketTicker]
	if !ok {
		f.booksMu.Unlock()
		f.logger.Warn("delta without snapshot", "ticker", delta.MarketTicker)
		return
	}
	applied := b.applyDelta(delta.Price, delta.Delta, delta.Side, msg.Seq)
	var bids, asks []model.OrderLevel
	if applied {
		bids, asks = b.levels()
	}
	f.booksMu.Unlock()

	if !applied {
		return
	}

	f.emitSnapshot(delta.MarketTicker, secondsToMillis(delta.TS), bids, asks, raw)
}

func (f *Feed) handleTrade(msg wsMessage, raw []byte) {
	var tr wsTradeMsg
	if err := json.Unmarshal(msg.Msg, &tr); err != nil {
		f.logger.Warn("malformed trade", "error", err)
		return
	}

	side := model.SideBuy
	if tr.TakerSide == "no" {
		side = model.SideSell
	}

	f.deliver(venue.Event{Trade: &model.Trade{
		ID:          uuid.New(),
		Platform:    model.PlatformKalshi,
		AssetID:     tr.MarketTicker,
		Market:      tr.MarketTicker,
		TimestampMS: secondsToMillis(tr.TS),
		Price:       float64(tr.YesPrice) / 100,
		Size:        float64(tr.Count),
		Side:        side,
		RawPayload:  raw,
	}})
}

func (f *Feed) emitSnapshot(ticker string, ts int64, bids, asks []model.OrderLevel, raw []byte) {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	f.deliver(venue.Event{Snapshot: &model.OrderbookSnapshot{
		ID:          uuid.New(),
		Platform:    model.PlatformKalshi,
		AssetID:     ticker,
		Market:      ticker,
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

func secondsToMillis(ts int64) int64 {
	if ts == 0 {
		return 0
	}
	return ts * 1000
}
