package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rickgao/orderbook-capture/internal/filler"
	"github.com/rickgao/orderbook-capture/internal/metrics"
	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/sink"
	"github.com/rickgao/orderbook-capture/internal/venue"
)

// idlePause is how long the processor sleeps when both queues are empty.
const idlePause = 5 * time.Millisecond

// Processor drains the data and control queues with strict priority: data
// first, so book events are never head-of-line-blocked by discovery
// bursts.
type Processor struct {
	listenerID string
	platform   model.Platform

	data    *Queue[DataEvent]
	control *Queue[ControlEvent]

	snk    sink.Sink
	fill   *filler.Filler
	feed   venue.Feed
	tokens *tokenSet
	mets   *metrics.Metrics
	logger *slog.Logger

	processed atomic.Int64
	failed    atomic.Int64
}

// NewProcessor creates the event processor for one listener.
func NewProcessor(
	listenerID string,
	platform model.Platform,
	data *Queue[DataEvent],
	control *Queue[ControlEvent],
	snk sink.Sink,
	fill *filler.Filler,
	feed venue.Feed,
	tokens *tokenSet,
	mets *metrics.Metrics,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		listenerID: listenerID,
		platform:   platform,
		data:       data,
		control:    control,
		snk:        snk,
		fill:       fill,
		feed:       feed,
		tokens:     tokens,
		mets:       mets,
		logger:     logger.With("component", "processor"),
	}
}

// Run drains events until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if ev, ok := p.data.TryPop(); ok {
			p.handleData(ctx, ev)
			continue
		}
		if ev, ok := p.control.TryPop(); ok {
			p.handleControl(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idlePause):
		}
	}
}

// Processed returns the number of successfully handled events.
func (p *Processor) Processed() int64 { return p.processed.Load() }

// Failed returns the number of events dropped on errors.
func (p *Processor) Failed() int64 { return p.failed.Load() }

func (p *Processor) handleData(ctx context.Context, ev DataEvent) {
	switch e := ev.(type) {
	case OrderbookEvent:
		p.handleOrderbook(e.Snapshot)
	case TradeEvent:
		p.handleTrade(e.Trade)
	}
}

func (p *Processor) handleControl(ctx context.Context, ev ControlEvent) {
	switch e := ev.(type) {
	case MarketDiscoveredEvent:
		p.handleDiscovered(ctx, e.Market)
	case MarketRemovedEvent:
		p.handleRemoved(ctx, e.Market)
	case MarketStateChangeEvent:
		p.handleStateChange(e)
	}
}

// handleOrderbook validates the snapshot, persists it, then updates the
// filler so subsequent ticks observe the new state.
func (p *Processor) handleOrderbook(s *model.OrderbookSnapshot) {
	s.ListenerID = p.listenerID

	if err := s.ComputeDerived(); err != nil {
		if errors.Is(err, model.ErrInvalidSnapshot) {
			p.logger.Warn("dropping invalid snapshot",
				"asset_id", s.AssetID,
				"error", err,
			)
			p.failed.Add(1)
			p.mets.RecordEventError(p.listenerID)
			return
		}
		p.logger.Error("snapshot derivation failed", "error", err)
		p.failed.Add(1)
		return
	}

	p.snk.WriteOrderbook(s)
	if !s.IsForwardFilled {
		// Synthetic emissions come FROM the filler; feeding them back
		// would replace the real event provenance with synthetic times.
		p.fill.UpdateState(s)
	}
	p.processed.Add(1)
	p.mets.RecordEvent(p.listenerID, "orderbook")
}

func (p *Processor) handleTrade(t *model.Trade) {
	t.ListenerID = p.listenerID

	if err := t.Validate(); err != nil {
		p.logger.Warn("dropping invalid trade",
			"asset_id", t.AssetID,
			"error", err,
		)
		p.failed.Add(1)
		p.mets.RecordEventError(p.listenerID)
		return
	}

	p.snk.WriteTrade(t)
	p.processed.Add(1)
	p.mets.RecordEvent(p.listenerID, "trade")
}

// handleDiscovered brings a new market into the tracked set: persist it,
// record the lifecycle transition, start forward-filling, subscribe.
func (p *Processor) handleDiscovered(ctx context.Context, m model.Market) {
	p.logger.Info("market discovered",
		"title", m.Title,
		"token_id", shortToken(m.TokenID),
	)

	m.ListenerID = p.listenerID
	m.State = model.StateSubscribed

	p.snk.WriteMarket(&m)
	p.snk.WriteStateTransition(&model.StateTransition{
		ListenerID:    p.listenerID,
		Platform:      p.platform,
		ConditionID:   m.ConditionID,
		TokenID:       m.TokenID,
		PreviousState: model.StateDiscovered,
		NewState:      model.StateSubscribed,
		Metadata:      map[string]any{"title": m.Title},
		OccurredAt:    time.Now(),
	})

	p.fill.AddToken(m.TokenID, m.ConditionID)
	p.tokens.add(m.TokenID)

	if err := p.feed.Subscribe(ctx, []string{m.TokenID}); err != nil {
		// The feed may be reconnecting; the resubscribe on reconnect
		// covers this token because it is already in the tracked set.
		p.logger.Warn("subscribe failed", "token_id", shortToken(m.TokenID), "error", err)
	}

	p.processed.Add(1)
	p.mets.RecordEvent(p.listenerID, "market_discovered")
}

// handleRemoved reverses handleDiscovered.
func (p *Processor) handleRemoved(ctx context.Context, m model.Market) {
	p.logger.Info("market removed",
		"title", m.Title,
		"token_id", shortToken(m.TokenID),
	)

	if err := p.feed.Unsubscribe(ctx, []string{m.TokenID}); err != nil {
		p.logger.Warn("unsubscribe failed", "token_id", shortToken(m.TokenID), "error", err)
	}

	p.fill.RemoveToken(m.TokenID)
	p.tokens.remove(m.TokenID)

	m.ListenerID = p.listenerID
	m.State = model.StateRemoved
	p.snk.WriteMarket(&m)
	p.snk.WriteStateTransition(&model.StateTransition{
		ListenerID:    p.listenerID,
		Platform:      p.platform,
		ConditionID:   m.ConditionID,
		TokenID:       m.TokenID,
		PreviousState: model.StateSubscribed,
		NewState:      model.StateRemoved,
		Metadata:      map[string]any{"title": m.Title},
		OccurredAt:    time.Now(),
	})

	p.processed.Add(1)
	p.mets.RecordEvent(p.listenerID, "market_removed")
}

func (p *Processor) handleStateChange(e MarketStateChangeEvent) {
	m := e.Market
	m.ListenerID = p.listenerID
	m.State = e.To

	p.snk.WriteMarket(&m)
	p.snk.WriteStateTransition(&model.StateTransition{
		ListenerID:    p.listenerID,
		Platform:      p.platform,
		ConditionID:   m.ConditionID,
		TokenID:       m.TokenID,
		PreviousState: e.From,
		NewState:      e.To,
		OccurredAt:    time.Now(),
	})

	p.processed.Add(1)
	p.mets.RecordEvent(p.listenerID, "market_state_change")
}

func shortToken(id string) string {
	if len(id) > 20 {
		return id[:20]
	}
	return id
}
