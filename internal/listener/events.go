package listener

import "github.com/rickgao/orderbook-capture/internal/model"

// DataEvent flows through the high-volume data queue.
type DataEvent interface{ dataEvent() }

// ControlEvent flows through the low-volume control queue.
type ControlEvent interface{ controlEvent() }

// OrderbookEvent carries a normalized full snapshot from the feed.
type OrderbookEvent struct {
	Snapshot *model.OrderbookSnapshot
}

// TradeEvent carries a normalized trade from the feed.
type TradeEvent struct {
	Trade *model.Trade
}

// MarketDiscoveredEvent announces a market entering the tracked set.
type MarketDiscoveredEvent struct {
	Market model.Market
}

// MarketRemovedEvent announces a market leaving the tracked set.
type MarketRemovedEvent struct {
	Market model.Market
}

// MarketStateChangeEvent records a lifecycle transition for a market that
// stays tracked.
type MarketStateChangeEvent struct {
	Market model.Market
	From   model.MarketState
	To     model.MarketState
}

func (OrderbookEvent) dataEvent() {}
func (TradeEvent) dataEvent()     {}

func (MarketDiscoveredEvent) controlEvent()  {}
func (MarketRemovedEvent) controlEvent()     {}
func (MarketStateChangeEvent) controlEvent() {}
