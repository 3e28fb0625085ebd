// Package listener implements the per-configuration supervisor: market
// discovery, a reconnecting venue feed, the priority event processor, and
// the forward-fill ticker, all under one cancellation scope.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/orderbook-capture/internal/filler"
	"github.com/rickgao/orderbook-capture/internal/metrics"
	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/sink"
	"github.com/rickgao/orderbook-capture/internal/venue"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded" // Feed lost; reconnect loop active
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Queue capacities per listener.
const (
	dataQueueCapacity    = 10000
	controlQueueCapacity = 1000
)

// Status is a point-in-time summary for the manager.
type Status struct {
	ID              string
	Name            string
	State           State
	SubscribedCount int
	EventsProcessed int64
	EventsFailed    int64
	QueueDropped    int64
	LastDiscoveryAt time.Time
}

// Listener supervises the capture pipeline for one configuration.
type Listener struct {
	cfg       model.ListenerConfig
	discovery venue.Discoverer
	feed      venue.Feed
	snk       sink.Sink
	fill      *filler.Filler
	proc      *Processor
	mets      *metrics.Metrics
	logger    *slog.Logger

	data    *Queue[DataEvent]
	control *Queue[ControlEvent]

	tokens *tokenSet // Tokens the processor has subscribed
	known  map[string]model.Market

	state         atomic.Value // State
	lastDiscovery atomic.Int64 // Unix ms
}

// New wires a supervisor from its collaborators. The sink is shared across
// listeners; everything else is owned.
func New(
	cfg model.ListenerConfig,
	discovery venue.Discoverer,
	feed venue.Feed,
	snk sink.Sink,
	mets *metrics.Metrics,
	logger *slog.Logger,
) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("listener", cfg.Name)

	l := &Listener{
		cfg:       cfg,
		discovery: discovery,
		feed:      feed,
		snk:       snk,
		mets:      mets,
		logger:    logger,
		data:      NewQueue[DataEvent](dataQueueCapacity, true),
		control:   NewQueue[ControlEvent](controlQueueCapacity, false),
		tokens:    newTokenSet(),
		known:     make(map[string]model.Market),
	}
	l.state.Store(StateIdle)

	l.fill = filler.New(cfg.ID, cfg.EmitInterval, cfg.EnableForwardFill, l.emitForwardFill, logger)
	l.proc = NewProcessor(cfg.ID, cfg.Platform, l.data, l.control, snk, l.fill, feed, l.tokens, mets, logger)

	return l
}

// Config returns the listener's configuration.
func (l *Listener) Config() model.ListenerConfig { return l.cfg }

// State returns the current lifecycle state.
func (l *Listener) State() State { return l.state.Load().(State) }

// Status returns a point-in-time summary.
func (l *Listener) Status() Status {
	var last time.Time
	if ms := l.lastDiscovery.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}
	return Status{
		ID:              l.cfg.ID,
		Name:            l.cfg.Name,
		State:           l.State(),
		SubscribedCount: l.tokens.len(),
		EventsProcessed: l.proc.Processed(),
		EventsFailed:    l.proc.Failed(),
		QueueDropped:    l.data.Dropped(),
		LastDiscoveryAt: last,
	}
}

// Run drives the supervisor until the context is cancelled or a fatal
// error occurs. It always leaves the listener in StateStopped.
func (l *Listener) Run(ctx context.Context) error {
	l.setState(StateStarting)
	l.logger.Info("listener starting", "platform", l.cfg.Platform)

	defer func() {
		l.setState(StateStopping)
		l.shutdown()
		l.setState(StateStopped)
		l.logger.Info("listener stopped")
	}()

	// Open the feed; connection failures here go through the same backoff
	// as mid-stream reconnects. Auth failures are fatal.
	if err := l.connectWithBackoff(ctx); err != nil {
		return err
	}

	l.setState(StateRunning)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.discoveryLoop(ctx) })
	g.Go(func() error { return l.feedLoop(ctx) })
	g.Go(func() error { return l.proc.Run(ctx) })
	g.Go(func() error { return l.fill.Run(ctx) })

	// A producer blocked on the control queue cannot observe ctx; closing
	// the queues releases it so the group always drains.
	go func() {
		<-ctx.Done()
		l.data.Close()
		l.control.Close()
	}()

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("listener failed", "error", err)
		return err
	}
	return nil
}

func (l *Listener) setState(s State) {
	l.state.Store(s)
}

// emitForwardFill routes synthetic snapshots onto the same data path as
// real events.
func (l *Listener) emitForwardFill(s *model.OrderbookSnapshot) {
	if ok := l.data.Push(OrderbookEvent{Snapshot: s}); !ok {
		l.mets.RecordQueueDrop(l.cfg.ID, "data")
	}
	l.mets.RecordForwardFill(l.cfg.ID)
}

// shutdown runs after the task group exits: unsubscribe, close the feed,
// release producers, flush the shared sink.
func (l *Listener) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if tokens := l.tokens.list(); len(tokens) > 0 {
		if err := l.feed.Unsubscribe(ctx, tokens); err != nil {
			l.logger.Debug("unsubscribe on shutdown failed", "error", err)
		}
	}
	l.feed.Close()
	l.discovery.Close()

	l.data.Close()
	l.control.Close()

	if err := l.snk.Flush(ctx); err != nil {
		l.logger.Warn("final flush failed", "error", err)
	}
}

// discoveryLoop runs discovery cycles on its own timer, independent of
// feed activity. The first cycle runs immediately so the initial
// subscribe set is in flight at startup.
func (l *Listener) discoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.DiscoveryInterval)
	defer ticker.Stop()

	if err := l.discoverOnce(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.discoverOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// discoverOnce runs one discovery cycle and enqueues deltas against the
// known set. Transient failures skip the cycle; auth failures are fatal.
func (l *Listener) discoverOnce(ctx context.Context) error {
	discovered, err := l.discovery.Discover(ctx, l.cfg.Filters)
	if err != nil {
		if errors.Is(err, venue.ErrAuth) {
			l.logger.Error("discovery authentication failed", "error", err)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("discovery cycle failed", "error", err)
		return nil
	}

	byToken := make(map[string]model.Market, len(discovered))
	for _, m := range discovered {
		byToken[m.TokenID] = m
	}

	var added, removed int
	for tokenID, m := range byToken {
		if _, ok := l.known[tokenID]; ok {
			continue
		}
		l.known[tokenID] = m
		l.control.Push(MarketDiscoveredEvent{Market: m})
		added++
	}
	for tokenID, m := range l.known {
		if _, ok := byToken[tokenID]; ok {
			continue
		}
		delete(l.known, tokenID)
		l.control.Push(MarketRemovedEvent{Market: m})
		removed++
	}

	l.lastDiscovery.Store(time.Now().UnixMilli())
	l.logger.Debug("discovery cycle complete",
		"discovered", len(discovered),
		"added", added,
		"removed", removed,
	)
	return nil
}

// feedLoop pumps venue events into the data queue and owns reconnection.
// A lost feed degrades the listener; discovery and the filler keep
// running on last-known state throughout.
func (l *Listener) feedLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-l.feed.Errors():
			l.setState(StateDegraded)
			l.logger.Warn("feed lost", "error", err)
			if err := l.reconnect(ctx); err != nil {
				return err
			}
			l.setState(StateRunning)

		case ev := <-l.feed.Events():
			switch {
			case ev.Snapshot != nil:
				if ok := l.data.Push(OrderbookEvent{Snapshot: ev.Snapshot}); !ok {
					l.mets.RecordQueueDrop(l.cfg.ID, "data")
				}
			case ev.Trade != nil:
				if ok := l.data.Push(TradeEvent{Trade: ev.Trade}); !ok {
					l.mets.RecordQueueDrop(l.cfg.ID, "data")
				}
			}
		}
	}
}

// connectWithBackoff dials the feed until it succeeds, the context ends,
// or an auth failure surfaces.
func (l *Listener) connectWithBackoff(ctx context.Context) error {
	backoff := venue.DefaultBackoff()

	for {
		err := l.feed.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, venue.ErrAuth) {
			l.logger.Error("feed authentication failed", "error", err)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff.Next()
		l.logger.Info("feed connect failed, retrying",
			"attempt", backoff.Attempt(),
			"wait", wait,
			"error", err,
		)
		l.mets.RecordReconnect(l.cfg.ID)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// reconnect closes the broken connection, redials with backoff, and
// resubscribes the current token set in a single frame.
func (l *Listener) reconnect(ctx context.Context) error {
	l.feed.Close()

	if err := l.connectWithBackoff(ctx); err != nil {
		return err
	}

	tokens := l.tokens.list()
	if len(tokens) > 0 {
		if err := l.feed.Subscribe(ctx, tokens); err != nil {
			l.logger.Warn("resubscribe after reconnect failed", "error", err)
		} else {
			l.logger.Info("resubscribed after reconnect", "tokens", len(tokens))
		}
	}
	return nil
}

// tokenSet tracks the subscribed token IDs shared between the processor
// (writes) and the reconnect path (reads).
type tokenSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newTokenSet() *tokenSet {
	return &tokenSet{ids: make(map[string]struct{})}
}

func (t *tokenSet) add(id string) {
	t.mu.Lock()
	t.ids[id] = struct{}{}
	t.mu.Unlock()
}

func (t *tokenSet) remove(id string) {
	t.mu.Lock()
	delete(t.ids, id)
	t.mu.Unlock()
}

func (t *tokenSet) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}

func (t *tokenSet) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
