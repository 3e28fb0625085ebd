package listener

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/orderbook-capture/internal/filler"
	"github.com/rickgao/orderbook-capture/internal/model"
)

func newTestProcessor(snk *memorySink, feed *fakeFeed) (*Processor, *filler.Filler, *Queue[DataEvent], *Queue[ControlEvent]) {
	data := NewQueue[DataEvent](100, true)
	control := NewQueue[ControlEvent](100, false)
	fill := filler.New("l1", time.Second, true, func(*model.OrderbookSnapshot) {}, nil)
	tokens := newTokenSet()
	proc := NewProcessor("l1", model.PlatformPolymarket, data, control, snk, fill, feed, tokens, nil, nil)
	return proc, fill, data, control
}

func validSnapshot(asset string) *model.OrderbookSnapshot {
	return &model.OrderbookSnapshot{
		ID:          uuid.New(),
		Platform:    model.PlatformPolymarket,
		AssetID:     asset,
		Market:      "cond-" + asset,
		TimestampMS: 1700000000000,
		Bids:        []model.OrderLevel{{Price: 0.52, Size: 10}, {Price: 0.51, Size: 20}},
		Asks:        []model.OrderLevel{{Price: 0.53, Size: 15}},
	}
}

func TestProcessor_Orderbook(t *testing.T) {
	snk := &memorySink{}
	proc, fill, _, _ := newTestProcessor(snk, newFakeFeed())

	fill.AddToken("T1", "C1")
	proc.handleOrderbook(validSnapshot("T1"))

	if snk.snapshotCount() != 1 {
		t.Fatalf("sink got %d snapshots, want 1", snk.snapshotCount())
	}
	s := snk.snapshots[0]

	if s.ListenerID != "l1" {
		t.Errorf("ListenerID = %q, want l1", s.ListenerID)
	}
	if s.BestBid == nil || *s.BestBid != 0.52 {
		t.Errorf("BestBid = %v, want 0.52 (derived before write)", s.BestBid)
	}
	if s.Hash == "" {
		t.Error("Hash empty, want computed before write")
	}
	if fill.TokensWithState() != 1 {
		t.Error("filler did not observe the snapshot")
	}
	if proc.Processed() != 1 {
		t.Errorf("Processed = %d, want 1", proc.Processed())
	}
}

func TestProcessor_InvalidSnapshotDropped(t *testing.T) {
	snk := &memorySink{}
	proc, _, _, _ := newTestProcessor(snk, newFakeFeed())

	bad := validSnapshot("T1")
	bad.Bids = []model.OrderLevel{{Price: 0.51, Size: 1}, {Price: 0.52, Size: 1}} // not descending
	proc.handleOrderbook(bad)

	if snk.snapshotCount() != 0 {
		t.Error("invalid snapshot reached the sink")
	}
	if proc.Failed() != 1 {
		t.Errorf("Failed = %d, want 1", proc.Failed())
	}
}

func TestProcessor_Trade(t *testing.T) {
	snk := &memorySink{}
	proc, _, _, _ := newTestProcessor(snk, newFakeFeed())

	proc.handleTrade(&model.Trade{
		ID: uuid.New(), AssetID: "T1", Price: 0.52, Size: 10, Side: model.SideBuy,
	})
	if len(snk.trades) != 1 {
		t.Fatalf("sink got %d trades, want 1", len(snk.trades))
	}
	if snk.trades[0].ListenerID != "l1" {
		t.Errorf("ListenerID = %q, want l1", snk.trades[0].ListenerID)
	}

	proc.handleTrade(&model.Trade{ID: uuid.New(), AssetID: "T1", Price: 2, Size: 1, Side: model.SideBuy})
	if len(snk.trades) != 1 {
		t.Error("invalid trade reached the sink")
	}
}

func TestProcessor_MarketDiscovered(t *testing.T) {
	snk := &memorySink{}
	feed := newFakeFeed()
	proc, fill, _, _ := newTestProcessor(snk, feed)

	proc.handleDiscovered(context.Background(), testMarket("T1", "C1"))

	if len(snk.markets) != 1 {
		t.Fatalf("sink got %d markets, want 1", len(snk.markets))
	}
	if snk.markets[0].State != model.StateSubscribed {
		t.Errorf("market state = %q, want subscribed", snk.markets[0].State)
	}

	trs := snk.transitionStates()
	if len(trs) != 1 || trs[0] != [2]model.MarketState{model.StateDiscovered, model.StateSubscribed} {
		t.Errorf("transitions = %v, want discovered->subscribed", trs)
	}

	if fill.TrackedTokens() != 1 {
		t.Error("filler not tracking the discovered token")
	}

	subs := feed.subscribeCalls()
	if len(subs) != 1 || len(subs[0]) != 1 || subs[0][0] != "T1" {
		t.Errorf("subscribe calls = %v, want [[T1]]", subs)
	}
}

func TestProcessor_MarketRemoved(t *testing.T) {
	snk := &memorySink{}
	feed := newFakeFeed()
	proc, fill, _, _ := newTestProcessor(snk, feed)

	proc.handleDiscovered(context.Background(), testMarket("T1", "C1"))
	proc.handleRemoved(context.Background(), testMarket("T1", "C1"))

	unsubs := feed.unsubscribeCalls()
	if len(unsubs) != 1 || unsubs[0][0] != "T1" {
		t.Errorf("unsubscribe calls = %v, want [[T1]]", unsubs)
	}
	if fill.TrackedTokens() != 0 {
		t.Error("filler still tracking removed token")
	}

	trs := snk.transitionStates()
	want := [2]model.MarketState{model.StateSubscribed, model.StateRemoved}
	if len(trs) != 2 || trs[1] != want {
		t.Errorf("transitions = %v, want second subscribed->removed", trs)
	}
}

func TestProcessor_DataPriority(t *testing.T) {
	snk := &memorySink{}
	feed := newFakeFeed()
	proc, _, data, control := newTestProcessor(snk, feed)

	// Enqueue control first, then data: the processor must still drain the
	// data event first.
	control.Push(MarketDiscoveredEvent{Market: testMarket("T9", "C9")})
	data.Push(OrderbookEvent{Snapshot: validSnapshot("T1")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for proc.Processed() < 2 {
		select {
		case <-deadline:
			t.Fatal("processor did not drain both events")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	snk.mu.Lock()
	defer snk.mu.Unlock()
	if len(snk.snapshots) != 1 || len(snk.markets) != 1 {
		t.Fatalf("got %d snapshots / %d markets, want 1/1", len(snk.snapshots), len(snk.markets))
	}
	if len(snk.order) == 0 || snk.order[0] != "orderbook" {
		t.Errorf("write order = %v, want data event first", snk.order)
	}
}
