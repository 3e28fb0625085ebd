package kalshi

import (
	"github.com/google/btree"

	"github.com/rickgao/orderbook-capture/internal/model"
)

// level is a single Yes or No price level in cents.
type level struct {
	cents int
	qty   int
}

func levelLess(a, b level) bool {
	return a.cents < b.cents
}

// book reconstructs one ticker's orderbook from snapshot + delta messages.
// Kalshi delivers Yes/No sides in cents; levels reflects them into the
// normalized bid/ask model:
//
//	bids = Yes levels, price = cents/100, sorted descending
//	asks = No levels reflected, price = (100-cents)/100, sorted ascending
type book struct {
	ticker string
	seq    int64
	yes    *btree.BTreeG[level]
	no     *btree.BTreeG[level]
}

func newBook(ticker string) *book {
	return &book{
		ticker: ticker,
		yes:    btree.NewG(8, levelLess),
		no:     btree.NewG(8, levelLess),
	}
}

// applySnapshot replaces both sides from a full orderbook_snapshot.
func (b *book) applySnapshot(yes, no [][]int, seq int64) {
	b.seq = seq
	b.yes.Clear(false)
	b.no.Clear(false)
	for _, l := range yes {
		if len(l) >= 2 && l[1] > 0 {
			b.yes.ReplaceOrInsert(level{cents: l[0], qty: l[1]})
		}
	}
	for _, l := range no {
		if len(l) >= 2 && l[1] > 0 {
			b.no.ReplaceOrInsert(level{cents: l[0], qty: l[1]})
		}
	}
}

// applyDelta applies an incremental update. Returns false for stale
// sequence numbers, which the caller drops.
func (b *book) applyDelta(priceCents, delta int, side string, seq int64) bool {
	if seq != 0 && seq <= b.seq {
		return false
	}
	if seq != 0 {
		b.seq = seq
	}

	tree := b.yes
	if side == "no" {
		tree = b.no
	}

	qty := delta
	if existing, ok := tree.Get(level{cents: priceCents}); ok {
		qty += existing.qty
	}

	if qty <= 0 {
		tree.Delete(level{cents: priceCents})
	} else {
		tree.ReplaceOrInsert(level{cents: priceCents, qty: qty})
	}

	return true
}

// levels returns the normalized sides. Reflected No prices are clamped to
// [0, 1] so boundary cents (0, 100) stay inside the price domain.
func (b *book) levels() (bids, asks []model.OrderLevel) {
	bids = make([]model.OrderLevel, 0, b.yes.Len())
	b.yes.Descend(func(l level) bool {
		bids = append(bids, model.OrderLevel{
			Price: clamp01(float64(l.cents) / 100),
			Size:  float64(l.qty),
		})
		return true
	})

	// No levels reflect to asks at (100-cents)/100: descending cents order
	// yields ascending ask prices.
	asks = make([]model.OrderLevel, 0, b.no.Len())
	b.no.Descend(func(l level) bool {
		asks = append(asks, model.OrderLevel{
			Price: clamp01(float64(100-l.cents) / 100),
			Size:  float64(l.qty),
		})
		return true
	})

	return bids, asks
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
