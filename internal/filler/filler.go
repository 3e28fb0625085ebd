// Package filler converts sparse event streams into a continuous snapshot
// stream. Real events update per-token state immediately; between events,
// clones of the last known book are emitted at a fixed cadence, marked as
// forward-filled and carrying the originating event timestamp.
package filler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/orderbook-capture/internal/model"
)

// EmitFunc receives forward-filled snapshots. It is wired to the same
// downstream sink path as real snapshots.
type EmitFunc func(*model.OrderbookSnapshot)

// tokenState holds the last known book for a token. Process-local only;
// recreated on restart.
type tokenState struct {
	tokenID         string
	marketID        string
	last            *model.OrderbookSnapshot
	lastRealEventMS int64
	trackingSinceMS int64

	lastEmitMS       int64
	lastEmitHash     string
	lastEmitSourceMS int64
}

// Filler maintains per-token state and emits clones on a fixed interval.
type Filler struct {
	listenerID string
	interval   time.Duration
	enabled    bool
	emit       EmitFunc
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[string]*tokenState
}

// New creates a forward-filler. When enabled is false the tick loop is a
// no-op; real events still flow through the pipeline untouched.
func New(listenerID string, interval time.Duration, enabled bool, emit EmitFunc, logger *slog.Logger) *Filler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Filler{
		listenerID: listenerID,
		interval:   interval,
		enabled:    enabled,
		emit:       emit,
		logger:     logger.With("component", "filler"),
		tokens:     make(map[string]*tokenState),
	}
}

// AddToken starts tracking a token. Idempotent.
func (f *Filler) AddToken(tokenID, marketID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.tokens[tokenID]; ok {
		return
	}
	f.tokens[tokenID] = &tokenState{
		tokenID:         tokenID,
		marketID:        marketID,
		trackingSinceMS: time.Now().UnixMilli(),
	}
	f.logger.Debug("token added", "token_id", shorten(tokenID))
}

// RemoveToken stops tracking a token. Idempotent.
func (f *Filler) RemoveToken(tokenID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.tokens[tokenID]; !ok {
		return
	}
	delete(f.tokens, tokenID)
	f.logger.Debug("token removed", "token_id", shorten(tokenID))
}

// UpdateState records a real snapshot for its token. O(1). Snapshots for
// untracked tokens are ignored; subscription churn can deliver a few.
// Forward-filled clones are ignored outright: state only ever holds real
// events.
func (f *Filler) UpdateState(snapshot *model.OrderbookSnapshot) {
	if snapshot.IsForwardFilled {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.tokens[snapshot.AssetID]
	if !ok {
		return
	}
	state.last = snapshot
	state.lastRealEventMS = time.Now().UnixMilli()
}

// Run drives the emission loop until the context is cancelled.
func (f *Filler) Run(ctx context.Context) error {
	if !f.enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("forward filler started", "interval", f.interval)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forward filler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			f.tick(now)
		}
	}
}

// tick emits one forward-filled clone per token holding state.
func (f *Filler) tick(now time.Time) {
	nowMS := now.UnixMilli()

	f.mu.Lock()
	var out []*model.OrderbookSnapshot
	for _, state := range f.tokens {
		if state.last == nil {
			continue
		}

		// Cadence-boundary dedup: the real event was just emitted, nothing
		// changed since, and less than one interval has passed.
		if state.lastEmitHash == state.last.Hash &&
			state.lastEmitSourceMS == state.last.TimestampMS &&
			nowMS-state.lastRealEventMS < f.interval.Milliseconds() {
			continue
		}

		ts := nowMS
		if ts <= state.lastEmitMS {
			ts = state.lastEmitMS + 1
		}

		clone := state.last.Clone()
		clone.ID = uuid.New()
		clone.ListenerID = f.listenerID
		clone.TimestampMS = ts
		clone.IsForwardFilled = true
		src := state.last.TimestampMS
		clone.SourceTimestampMS = &src

		state.lastEmitMS = ts
		state.lastEmitHash = clone.Hash
		state.lastEmitSourceMS = state.last.TimestampMS

		out = append(out, clone)
	}
	f.mu.Unlock()

	// Emit outside the lock so a slow sink never blocks UpdateState.
	for _, s := range out {
		f.emit(s)
	}
}

// TrackedTokens returns the number of tokens being tracked.
func (f *Filler) TrackedTokens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

// TokensWithState returns how many tokens have received a real snapshot.
func (f *Filler) TokensWithState() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.tokens {
		if s.last != nil {
			n++
		}
	}
	return n
}

func shorten(id string) string {
	if len(id) > 20 {
		return id[:20]
	}
	return id
}
