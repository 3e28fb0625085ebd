package filler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/orderbook-capture/internal/model"
)

// collector gathers emitted snapshots.
type collector struct {
	mu    sync.Mutex
	snaps []*model.OrderbookSnapshot
}

func (c *collector) emit(s *model.OrderbookSnapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func (c *collector) all() []*model.OrderbookSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.OrderbookSnapshot(nil), c.snaps...)
}

func testSnapshot(tokenID string, ts int64) *model.OrderbookSnapshot {
	s := &model.OrderbookSnapshot{
		ID:          uuid.New(),
		AssetID:     tokenID,
		Market:      "cond-" + tokenID,
		TimestampMS: ts,
		Bids:        []model.OrderLevel{{Price: 0.52, Size: 10}},
		Asks:        []model.OrderLevel{{Price: 0.53, Size: 15}},
	}
	s.ComputeDerived()
	return s
}

func TestAddRemoveToken(t *testing.T) {
	f := New("l1", time.Millisecond, true, func(*model.OrderbookSnapshot) {}, nil)

	f.AddToken("T1", "C1")
	f.AddToken("T1", "C1") // Idempotent
	if f.TrackedTokens() != 1 {
		t.Errorf("TrackedTokens = %d, want 1", f.TrackedTokens())
	}

	f.RemoveToken("T1")
	f.RemoveToken("T1") // Idempotent
	if f.TrackedTokens() != 0 {
		t.Errorf("TrackedTokens = %d, want 0", f.TrackedTokens())
	}
}

func TestUpdateState_UntrackedIgnored(t *testing.T) {
	f := New("l1", time.Millisecond, true, func(*model.OrderbookSnapshot) {}, nil)

	// A snapshot may race ahead of its add_token; it must not panic or
	// start phantom tracking.
	f.UpdateState(testSnapshot("T-unknown", 100))
	if f.TrackedTokens() != 0 {
		t.Errorf("TrackedTokens = %d, want 0", f.TrackedTokens())
	}
	if f.TokensWithState() != 0 {
		t.Errorf("TokensWithState = %d, want 0", f.TokensWithState())
	}
}

func TestTick_EmitsForwardFilledClone(t *testing.T) {
	c := &collector{}
	f := New("l1", 100*time.Millisecond, true, c.emit, nil)

	f.AddToken("T1", "C1")
	f.AddToken("T2", "C2") // Never receives state; must not emit
	f.UpdateState(testSnapshot("T1", 1700000000000))

	f.tick(time.Now())

	snaps := c.all()
	if len(snaps) != 1 {
		t.Fatalf("got %d emissions, want 1 (only tokens with state)", len(snaps))
	}
	s := snaps[0]

	if !s.IsForwardFilled {
		t.Error("IsForwardFilled = false, want true")
	}
	if s.SourceTimestampMS == nil || *s.SourceTimestampMS != 1700000000000 {
		t.Errorf("SourceTimestampMS = %v, want 1700000000000", s.SourceTimestampMS)
	}
	if s.ListenerID != "l1" {
		t.Errorf("ListenerID = %q, want l1", s.ListenerID)
	}
	if s.RawPayload != nil {
		t.Error("forward-filled clones must not carry the raw payload")
	}
	if *s.SourceTimestampMS > s.TimestampMS {
		t.Errorf("source %d > emitted %d", *s.SourceTimestampMS, s.TimestampMS)
	}
	if len(s.Bids) != 1 || s.Bids[0].Price != 0.52 {
		t.Errorf("Bids = %+v, want cloned book", s.Bids)
	}
}

func TestTick_MonotonicTimestamps(t *testing.T) {
	c := &collector{}
	f := New("l1", 100*time.Millisecond, true, c.emit, nil)

	f.AddToken("T1", "C1")

	// Each tick refreshes state so the dedup guard never kicks in; the
	// emitted timestamps must still be strictly increasing even when the
	// wall clock reads the same instant.
	now := time.Now()
	for i := 0; i < 5; i++ {
		f.UpdateState(testSnapshot("T1", int64(1000+i)))
		f.tick(now)
	}

	snaps := c.all()
	if len(snaps) != 5 {
		t.Fatalf("got %d emissions, want 5", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].TimestampMS <= snaps[i-1].TimestampMS {
			t.Errorf("timestamps not strictly increasing: %d then %d",
				snaps[i-1].TimestampMS, snaps[i].TimestampMS)
		}
	}
}

func TestTick_DedupGuardAtCadenceBoundary(t *testing.T) {
	c := &collector{}
	f := New("l1", 100*time.Millisecond, true, c.emit, nil)

	f.AddToken("T1", "C1")
	f.UpdateState(testSnapshot("T1", 5000))

	now := time.Now()
	f.tick(now)
	// Same state, same hash, well inside one interval of the real event:
	// the second tick must not duplicate.
	f.tick(now.Add(time.Millisecond))

	if got := len(c.all()); got != 1 {
		t.Errorf("got %d emissions, want 1 (boundary duplicate suppressed)", got)
	}

	// After the interval has elapsed the cadence resumes.
	f.tick(now.Add(150 * time.Millisecond))
	if got := len(c.all()); got != 2 {
		t.Errorf("got %d emissions, want 2", got)
	}
}

func TestRun_Cadence(t *testing.T) {
	c := &collector{}
	interval := 10 * time.Millisecond
	f := New("l1", interval, true, c.emit, nil)

	f.AddToken("T1", "C1")
	f.UpdateState(testSnapshot("T1", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 105*time.Millisecond)
	defer cancel()
	f.Run(ctx)

	snaps := c.all()
	// 105ms at a 10ms cadence: at least 7 and at most 12 with scheduler
	// jitter. The real event landed before the window, so every emission
	// is synthetic.
	if len(snaps) < 7 || len(snaps) > 12 {
		t.Errorf("got %d emissions in ~100ms at 10ms cadence, want 7..12", len(snaps))
	}
	for i, s := range snaps {
		if !s.IsForwardFilled {
			t.Errorf("emission %d not marked forward-filled", i)
		}
		if s.SourceTimestampMS == nil || *s.SourceTimestampMS != 0 {
			t.Errorf("emission %d SourceTimestampMS = %v, want 0", i, s.SourceTimestampMS)
		}
		if i > 0 && s.TimestampMS <= snaps[i-1].TimestampMS {
			t.Errorf("emission %d timestamp not strictly increasing", i)
		}
	}
}

func TestRun_Disabled(t *testing.T) {
	c := &collector{}
	f := New("l1", time.Millisecond, false, c.emit, nil)

	f.AddToken("T1", "C1")
	f.UpdateState(testSnapshot("T1", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	f.Run(ctx)

	if got := len(c.all()); got != 0 {
		t.Errorf("disabled filler emitted %d snapshots, want 0", got)
	}
}

func TestRemoveToken_StopsEmission(t *testing.T) {
	c := &collector{}
	f := New("l1", 100*time.Millisecond, true, c.emit, nil)

	f.AddToken("T1", "C1")
	f.UpdateState(testSnapshot("T1", 1000))
	f.RemoveToken("T1")

	f.tick(time.Now())
	if got := len(c.all()); got != 0 {
		t.Errorf("removed token emitted %d snapshots, want 0", got)
	}
}
