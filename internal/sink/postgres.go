package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/orderbook-capture/internal/model"
)

// Config holds batching and retry settings for the Postgres sink.
type Config struct {
	BatchSize     int           // Flush when a table's buffer reaches this size
	FlushInterval time.Duration // Flush each table at least this often
	MaxRetries    int           // Attempts per batch before dropping it
	RetryBackoff  time.Duration // Base retry delay, doubled per attempt
}

// DefaultConfig returns the standard batching policy.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		MaxRetries:    5,
		RetryBackoff:  500 * time.Millisecond,
	}
}

// Postgres is the pgx-backed sink. Each table has its own buffer and one
// flush goroutine.
type Postgres struct {
	cfg    Config
	db     *pgxpool.Pool
	logger *slog.Logger

	snapshots *tableBuffer[*model.OrderbookSnapshot]
	trades    *tableBuffer[*model.Trade]
	markets   *tableBuffer[*model.Market]
	history   *tableBuffer[*model.StateTransition]

	// Schema capability flags, cleared when the target schema predates the
	// optional columns.
	schemaMu          sync.Mutex
	hasProvenanceCols bool // is_forward_filled, source_timestamp
	hasPlatformCol    bool
	droppedBatches    int64
	recordsWritten    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPostgres creates a Postgres sink.
func NewPostgres(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize == 0 {
		cfg = DefaultConfig()
	}
	return &Postgres{
		cfg:               cfg,
		db:                db,
		logger:            logger.With("component", "sink"),
		snapshots:         newTableBuffer[*model.OrderbookSnapshot](cfg.BatchSize),
		trades:            newTableBuffer[*model.Trade](cfg.BatchSize),
		markets:           newTableBuffer[*model.Market](cfg.BatchSize),
		history:           newTableBuffer[*model.StateTransition](cfg.BatchSize),
		hasProvenanceCols: true,
		hasPlatformCol:    true,
	}
}

// Start launches the per-table flush goroutines.
func (p *Postgres) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.runFlusher("orderbook_snapshots", p.snapshots, p.flushSnapshots)
	p.runFlusher("trades", p.trades, p.flushTrades)
	p.runFlusher("markets", p.markets, p.flushMarkets)
	p.runFlusher("market_state_history", p.history, p.flushHistory)

	p.logger.Info("sink started",
		"batch_size", p.cfg.BatchSize,
		"flush_interval", p.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the flush goroutines and performs a final flush.
func (p *Postgres) Stop(ctx context.Context) error {
	p.logger.Info("stopping sink")

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("sink stop timed out")
	}

	return p.Flush(ctx)
}

// WriteOrderbook enqueues a snapshot. Non-blocking.
func (p *Postgres) WriteOrderbook(snapshot *model.OrderbookSnapshot) {
	p.snapshots.add(snapshot)
}

// WriteTrade enqueues a trade. Non-blocking.
func (p *Postgres) WriteTrade(trade *model.Trade) {
	p.trades.add(trade)
}

// WriteMarket enqueues a market upsert. Non-blocking.
func (p *Postgres) WriteMarket(market *model.Market) {
	p.markets.add(market)
}

// WriteStateTransition enqueues a lifecycle history row. Non-blocking.
func (p *Postgres) WriteStateTransition(tr *model.StateTransition) {
	p.history.add(tr)
}

// Flush writes all buffered records synchronously. Markets flush first so
// snapshot and trade rows referencing them land after their upserts.
func (p *Postgres) Flush(ctx context.Context) error {
	p.drain(ctx, "markets", p.markets, p.flushMarkets)
	p.drain(ctx, "market_state_history", p.history, p.flushHistory)
	p.drain(ctx, "orderbook_snapshots", p.snapshots, p.flushSnapshots)
	p.drain(ctx, "trades", p.trades, p.flushTrades)
	return nil
}

// runFlusher starts the single flush goroutine for one table. It fires on
// the interval tick or as soon as the buffer reaches the batch size.
func (p *Postgres) runFlusher(table string, buf lengther, flush func(context.Context, int) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
			case <-buf.full():
			}
			p.drain(p.ctx, table, buf, flush)
		}
	}()
}

// drain flushes the buffer in batch-size chunks until empty.
func (p *Postgres) drain(ctx context.Context, table string, buf lengther, flush func(context.Context, int) error) {
	for {
		n := buf.len()
		if n == 0 {
			return
		}
		if n > p.cfg.BatchSize {
			n = p.cfg.BatchSize
		}
		if !p.flushTable(ctx, table, n, flush) {
			return
		}
	}
}

// flushTable runs one flush with the retry budget. After the budget the
// batch is dropped: the pipeline must keep accepting data during sink
// outages. Returns true when the batch left the buffer (written or
// dropped).
func (p *Postgres) flushTable(ctx context.Context, table string, count int, flush func(context.Context, int) error) bool {
	if count == 0 {
		return false
	}

	backoff := p.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		err := flush(ctx, count)
		if err == nil {
			p.schemaMu.Lock()
			p.recordsWritten += int64(count)
			p.schemaMu.Unlock()
			return true
		}
		lastErr = err

		if isFKViolation(err) {
			// Rows referencing unknown markets will never succeed.
			p.logger.Warn("dropping batch on FK violation", "table", table, "count", count)
			p.dropBuffered(table, count)
			return true
		}
		if col, ok := p.missingColumn(err); ok {
			p.logger.Warn("schema missing optional column, stripping", "table", table, "column", col)
			continue // Retry immediately with the reduced column set
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	p.schemaMu.Lock()
	p.droppedBatches++
	p.schemaMu.Unlock()
	p.logger.Error("dropping batch after retry budget",
		"table", table,
		"count", count,
		"error", lastErr,
	)
	p.dropBuffered(table, count)
	return true
}

// dropBuffered discards count rows from the named table's buffer.
func (p *Postgres) dropBuffered(table string, count int) {
	switch table {
	case "orderbook_snapshots":
		p.snapshots.drop(count)
	case "trades":
		p.trades.drop(count)
	case "markets":
		p.markets.drop(count)
	case "market_state_history":
		p.history.drop(count)
	}
}

// missingColumn detects an undefined-column error for one of the optional
// columns and clears the matching capability flag.
func (p *Postgres) missingColumn(err error) (string, bool) {
	msg := err.Error()
	if !strings.Contains(msg, "column") {
		return "", false
	}

	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()

	switch {
	case p.hasProvenanceCols && (strings.Contains(msg, "is_forward_filled") || strings.Contains(msg, "source_timestamp")):
		p.hasProvenanceCols = false
		return "is_forward_filled/source_timestamp", true
	case p.hasPlatformCol && strings.Contains(msg, "platform"):
		p.hasPlatformCol = false
		return "platform", true
	}
	return "", false
}

func isFKViolation(err error) bool {
	return strings.Contains(err.Error(), "foreign key constraint")
}

func (p *Postgres) capabilities() (provenance, platform bool) {
	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()
	return p.hasProvenanceCols, p.hasPlatformCol
}

// Stats reports sink counters.
func (p *Postgres) Stats() (written, dropped int64) {
	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()
	return p.recordsWritten, p.droppedBatches
}

// flushSnapshots writes up to count buffered snapshots.
func (p *Postgres) flushSnapshots(ctx context.Context, count int) error {
	rows := p.snapshots.peek(count)
	if len(rows) == 0 {
		return nil
	}

	provenance, platform := p.capabilities()

	cols := []string{
		"id", "listener_id", "asset_id", "market", "timestamp",
		"bids", "asks", "best_bid", "best_ask", "spread", "mid_price",
		"bid_depth", "ask_depth", "hash", "raw_payload",
	}
	if provenance {
		cols = append(cols, "is_forward_filled", "source_timestamp")
	}
	if platform {
		cols = append(cols, "platform")
	}
	sql := insertSQL("orderbook_snapshots", cols, "ON CONFLICT (id) DO NOTHING")

	batch := &pgx.Batch{}
	for _, s := range rows {
		bids, _ := json.Marshal(s.Bids)
		asks, _ := json.Marshal(s.Asks)
		args := []any{
			s.ID, s.ListenerID, s.AssetID, s.Market, s.TimestampMS,
			bids, asks, s.BestBid, s.BestAsk, s.Spread, s.MidPrice,
			s.BidDepth, s.AskDepth, s.Hash, nullableBytes(s.RawPayload),
		}
		if provenance {
			args = append(args, s.IsForwardFilled, s.SourceTimestampMS)
		}
		if platform {
			args = append(args, string(s.Platform))
		}
		batch.Queue(sql, args...)
	}

	if err := p.sendBatch(ctx, batch); err != nil {
		return err
	}
	p.snapshots.drop(count)
	return nil
}

// flushTrades writes up to count buffered trades.
func (p *Postgres) flushTrades(ctx context.Context, count int) error {
	rows := p.trades.peek(count)
	if len(rows) == 0 {
		return nil
	}

	_, platform := p.capabilities()

	cols := []string{
		"id", "listener_id", "asset_id", "market", "timestamp",
		"price", "size", "side", "fee_rate_bps", "raw_payload",
	}
	if platform {
		cols = append(cols, "platform")
	}
	sql := insertSQL("trades", cols, "ON CONFLICT (id) DO NOTHING")

	batch := &pgx.Batch{}
	for _, t := range rows {
		args := []any{
			t.ID, t.ListenerID, t.AssetID, t.Market, t.TimestampMS,
			t.Price, t.Size, string(t.Side), t.FeeRateBPS, nullableBytes(t.RawPayload),
		}
		if platform {
			args = append(args, string(t.Platform))
		}
		batch.Queue(sql, args...)
	}

	if err := p.sendBatch(ctx, batch); err != nil {
		return err
	}
	p.trades.drop(count)
	return nil
}

// flushMarkets upserts up to count buffered markets on (listener_id, token_id).
func (p *Postgres) flushMarkets(ctx context.Context, count int) error {
	rows := p.markets.peek(count)
	if len(rows) == 0 {
		return nil
	}

	_, platform := p.capabilities()

	cols := []string{
		"listener_id", "condition_id", "token_id", "market_slug", "event_slug",
		"question", "outcome", "outcome_index", "event_id", "event_title",
		"category", "subcategory", "series_id", "tags", "description",
		"start_time", "end_time", "volume", "liquidity",
		"is_active", "is_closed", "state",
	}
	if platform {
		cols = append(cols, "platform")
	}

	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "listener_id" || c == "token_id" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	conflict := fmt.Sprintf(
		"ON CONFLICT (listener_id, token_id) DO UPDATE SET %s, updated_at = NOW()",
		strings.Join(updates, ", "),
	)
	sql := insertSQL("markets", cols, conflict)

	batch := &pgx.Batch{}
	for _, m := range rows {
		var tags []byte
		if len(m.Tags) > 0 {
			tags, _ = json.Marshal(m.Tags)
		}
		args := []any{
			m.ListenerID, m.ConditionID, m.TokenID, m.Slug, m.EventSlug,
			m.Title, m.Outcome, m.OutcomeIndex, m.EventID, m.EventTitle,
			m.Category, m.Subcategory, m.SeriesID, nullableBytes(tags), m.Description,
			m.StartTime, m.EndTime, m.Volume, m.Liquidity,
			m.IsActive, m.IsClosed, string(m.State),
		}
		if platform {
			args = append(args, string(m.Platform))
		}
		batch.Queue(sql, args...)
	}

	if err := p.sendBatch(ctx, batch); err != nil {
		return err
	}
	p.markets.drop(count)
	return nil
}

// flushHistory writes up to count buffered state transitions.
func (p *Postgres) flushHistory(ctx context.Context, count int) error {
	rows := p.history.peek(count)
	if len(rows) == 0 {
		return nil
	}

	_, platform := p.capabilities()

	cols := []string{
		"listener_id", "condition_id", "token_id",
		"previous_state", "new_state", "metadata", "occurred_at",
	}
	if platform {
		cols = append(cols, "platform")
	}
	sql := insertSQL("market_state_history", cols, "")

	batch := &pgx.Batch{}
	for _, tr := range rows {
		var prev any
		if tr.PreviousState != "" {
			prev = string(tr.PreviousState)
		}
		metadata, _ := json.Marshal(tr.Metadata)
		args := []any{
			tr.ListenerID, tr.ConditionID, tr.TokenID,
			prev, string(tr.NewState), metadata, tr.OccurredAt,
		}
		if platform {
			args = append(args, string(tr.Platform))
		}
		batch.Queue(sql, args...)
	}

	if err := p.sendBatch(ctx, batch); err != nil {
		return err
	}
	p.history.drop(count)
	return nil
}

func (p *Postgres) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := p.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func insertSQL(table string, cols []string, conflict string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
	)
	if conflict != "" {
		sql += " " + conflict
	}
	return sql
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
