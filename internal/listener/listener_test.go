package listener

import (
	"context"
	"testing"
	"time"

	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/venue"
)

func testConfig() model.ListenerConfig {
	return model.ListenerConfig{
		ID:                "l1",
		Name:              "test",
		Platform:          model.PlatformPolymarket,
		Filters:           model.Filters{Polymarket: &model.PolymarketFilters{}},
		DiscoveryInterval: 20 * time.Millisecond,
		EmitInterval:      10 * time.Millisecond,
		EnableForwardFill: false,
		IsActive:          true,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(time.Millisecond):
		}
	}
}

func TestListener_MarketLifecycle(t *testing.T) {
	snk := &memorySink{}
	feed := newFakeFeed()
	disco := &fakeDiscoverer{rounds: [][]model.Market{
		{testMarket("T1", "C1"), testMarket("T2", "C1")},
		{testMarket("T1", "C1")},
	}}

	l := New(testConfig(), disco, feed, snk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// First cycle discovers both markets.
	if !waitFor(t, time.Second, func() bool { return len(feed.subscribeCalls()) >= 2 }) {
		t.Fatal("both tokens never subscribed")
	}

	// Second cycle removes T2: an unsubscribe frame must go out.
	if !waitFor(t, time.Second, func() bool {
		for _, call := range feed.unsubscribeCalls() {
			for _, id := range call {
				if id == "T2" {
					return true
				}
			}
		}
		return false
	}) {
		t.Fatal("T2 never unsubscribed after disappearing from discovery")
	}

	if l.State() != StateRunning {
		t.Errorf("State = %q, want running", l.State())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	if l.State() != StateStopped {
		t.Errorf("State after stop = %q, want stopped", l.State())
	}

	// Sink must hold the market upserts and the full transition history.
	snk.mu.Lock()
	markets := len(snk.markets)
	snk.mu.Unlock()
	if markets < 3 { // T1 and T2 subscribed, T2 removed
		t.Errorf("sink got %d market writes, want >= 3", markets)
	}

	var sawSubscribed, sawRemoved bool
	for _, tr := range snk.transitionStates() {
		if tr == [2]model.MarketState{model.StateDiscovered, model.StateSubscribed} {
			sawSubscribed = true
		}
		if tr == [2]model.MarketState{model.StateSubscribed, model.StateRemoved} {
			sawRemoved = true
		}
	}
	if !sawSubscribed || !sawRemoved {
		t.Errorf("transition history incomplete: subscribed=%v removed=%v", sawSubscribed, sawRemoved)
	}

	snk.mu.Lock()
	flushes := snk.flushes
	snk.mu.Unlock()
	if flushes == 0 {
		t.Error("sink not flushed on shutdown")
	}
}

func TestListener_DataFlow(t *testing.T) {
	snk := &memorySink{}
	feed := newFakeFeed()
	disco := &fakeDiscoverer{rounds: [][]model.Market{{testMarket("T1", "C1")}}}

	l := New(testConfig(), disco, feed, snk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	if !waitFor(t, time.Second, func() bool { return len(feed.subscribeCalls()) >= 1 }) {
		t.Fatal("token never subscribed")
	}

	feed.events <- venue.Event{Snapshot: validSnapshot("T1")}
	feed.events <- venue.Event{Trade: &model.Trade{
		AssetID: "T1", Price: 0.5, Size: 1, Side: model.SideBuy,
	}}

	if !waitFor(t, time.Second, func() bool {
		snk.mu.Lock()
		defer snk.mu.Unlock()
		return len(snk.snapshots) >= 1 && len(snk.trades) >= 1
	}) {
		t.Fatal("events never reached the sink")
	}

	cancel()
	<-done
}

func TestListener_ReconnectResubscribes(t *testing.T) {
	snk := &memorySink{}
	feed := newFakeFeed()
	disco := &fakeDiscoverer{rounds: [][]model.Market{
		{testMarket("T1", "C1"), testMarket("T2", "C2")},
	}}

	l := New(testConfig(), disco, feed, snk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	if !waitFor(t, time.Second, func() bool { return len(feed.subscribeCalls()) >= 2 }) {
		t.Fatal("tokens never subscribed")
	}
	before := feed.connectCount()

	// Drop the feed: the supervisor must reconnect and resubscribe the
	// full token set in one frame.
	feed.errors <- venue.ErrStale

	if !waitFor(t, 5*time.Second, func() bool { return feed.connectCount() > before }) {
		t.Fatal("feed never reconnected")
	}

	if !waitFor(t, time.Second, func() bool {
		for _, call := range feed.subscribeCalls() {
			if len(call) == 2 {
				return true
			}
		}
		return false
	}) {
		t.Fatalf("no batched resubscribe found in %v", feed.subscribeCalls())
	}

	if !waitFor(t, time.Second, func() bool { return l.State() == StateRunning }) {
		t.Errorf("State = %q, want running after reconnect", l.State())
	}

	cancel()
	<-done
}

func TestListener_AuthFailureFatal(t *testing.T) {
	snk := &memorySink{}
	feed := newFakeFeed()
	feed.connectErrs = []error{venue.ErrAuth}
	disco := &fakeDiscoverer{}

	l := New(testConfig(), disco, feed, snk, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := l.Run(ctx)
	if err == nil {
		t.Fatal("expected auth error")
	}
	if l.State() != StateStopped {
		t.Errorf("State = %q, want stopped", l.State())
	}
	if feed.connectCount() != 1 {
		t.Errorf("connect attempts = %d, want 1 (no retry on auth failure)", feed.connectCount())
	}
}

func TestListener_EmptyDiscoveryKeepsRunning(t *testing.T) {
	snk := &memorySink{}
	feed := newFakeFeed()
	disco := &fakeDiscoverer{rounds: [][]model.Market{{}}}

	l := New(testConfig(), disco, feed, snk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	if !waitFor(t, time.Second, func() bool { return l.State() == StateRunning }) {
		t.Fatalf("State = %q, want running with empty token set", l.State())
	}
	if got := l.Status().SubscribedCount; got != 0 {
		t.Errorf("SubscribedCount = %d, want 0", got)
	}

	cancel()
	<-done
}

func TestListener_ForwardFillFlowsToSink(t *testing.T) {
	snk := &memorySink{}
	feed := newFakeFeed()
	disco := &fakeDiscoverer{rounds: [][]model.Market{{testMarket("T1", "C1")}}}

	cfg := testConfig()
	cfg.EnableForwardFill = true

	l := New(cfg, disco, feed, snk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	if !waitFor(t, time.Second, func() bool { return len(feed.subscribeCalls()) >= 1 }) {
		t.Fatal("token never subscribed")
	}

	feed.events <- venue.Event{Snapshot: validSnapshot("T1")}

	// Forward-filled copies must reach the same sink path as real events.
	if !waitFor(t, 2*time.Second, func() bool {
		snk.mu.Lock()
		defer snk.mu.Unlock()
		for _, s := range snk.snapshots {
			if s.IsForwardFilled {
				return true
			}
		}
		return false
	}) {
		t.Fatal("no forward-filled snapshot reached the sink")
	}

	cancel()
	<-done
}
