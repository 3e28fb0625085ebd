package listener

import (
	"context"
	"sync"

	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/venue"
)

// memorySink records every write for assertions.
type memorySink struct {
	mu          sync.Mutex
	snapshots   []*model.OrderbookSnapshot
	trades      []*model.Trade
	markets     []*model.Market
	transitions []*model.StateTransition
	order       []string // Write sequence across record kinds
	flushes     int
}

func (s *memorySink) WriteOrderbook(snapshot *model.OrderbookSnapshot) {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshot)
	s.order = append(s.order, "orderbook")
	s.mu.Unlock()
}

func (s *memorySink) WriteTrade(trade *model.Trade) {
	s.mu.Lock()
	s.trades = append(s.trades, trade)
	s.order = append(s.order, "trade")
	s.mu.Unlock()
}

func (s *memorySink) WriteMarket(market *model.Market) {
	s.mu.Lock()
	s.markets = append(s.markets, market)
	s.order = append(s.order, "market")
	s.mu.Unlock()
}

func (s *memorySink) WriteStateTransition(tr *model.StateTransition) {
	s.mu.Lock()
	s.transitions = append(s.transitions, tr)
	s.mu.Unlock()
}

func (s *memorySink) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *memorySink) snapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *memorySink) transitionStates() [][2]model.MarketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]model.MarketState, 0, len(s.transitions))
	for _, tr := range s.transitions {
		out = append(out, [2]model.MarketState{tr.PreviousState, tr.NewState})
	}
	return out
}

// fakeFeed is a scriptable venue.Feed.
type fakeFeed struct {
	mu           sync.Mutex
	connects     int
	connectErrs  []error // Consumed per Connect call; nil entries succeed
	subscribes   [][]string
	unsubscribes [][]string
	closed       int

	events chan venue.Event
	errors chan error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		events: make(chan venue.Event, 100),
		errors: make(chan error, 10),
	}
}

func (f *fakeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) Subscribe(ctx context.Context, tokenIDs []string) error {
	f.mu.Lock()
	f.subscribes = append(f.subscribes, append([]string(nil), tokenIDs...))
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) Unsubscribe(ctx context.Context, tokenIDs []string) error {
	f.mu.Lock()
	f.unsubscribes = append(f.unsubscribes, append([]string(nil), tokenIDs...))
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) Events() <-chan venue.Event { return f.events }
func (f *fakeFeed) Errors() <-chan error       { return f.errors }

func (f *fakeFeed) subscribeCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.subscribes...)
}

func (f *fakeFeed) unsubscribeCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.unsubscribes...)
}

func (f *fakeFeed) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// fakeDiscoverer returns scripted market sets, one per Discover call; the
// last set repeats.
type fakeDiscoverer struct {
	mu     sync.Mutex
	rounds [][]model.Market
	calls  int
	err    error
}

func (d *fakeDiscoverer) Discover(ctx context.Context, filters model.Filters) ([]model.Market, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	idx := d.calls
	d.calls++
	if idx >= len(d.rounds) {
		idx = len(d.rounds) - 1
	}
	if idx < 0 {
		return nil, nil
	}
	return d.rounds[idx], nil
}

func (d *fakeDiscoverer) Close() {}

func testMarket(tokenID, conditionID string) model.Market {
	return model.Market{
		Platform:    model.PlatformPolymarket,
		ConditionID: conditionID,
		TokenID:     tokenID,
		Title:       "market " + tokenID,
		State:       model.StateDiscovered,
		IsActive:    true,
	}
}
