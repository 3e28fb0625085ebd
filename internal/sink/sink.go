// Package sink implements the persistence boundary: buffered, batched
// appends with size- and time-based flushing.
//
// Appends never block the pipeline. Batches are retried with backoff and
// dropped after the retry budget; availability wins over completeness.
// Inserts are idempotent via primary keys, so at-least-once delivery from
// the pipeline is safe.
package sink

import (
	"context"

	"github.com/rickgao/orderbook-capture/internal/model"
)

// Sink receives normalized records from all listeners. One shared instance
// per process, injected by the manager.
type Sink interface {
	// WriteOrderbook enqueues a snapshot. Non-blocking.
	WriteOrderbook(snapshot *model.OrderbookSnapshot)

	// WriteTrade enqueues a trade. Non-blocking.
	WriteTrade(trade *model.Trade)

	// WriteMarket enqueues a market upsert. Non-blocking.
	WriteMarket(market *model.Market)

	// WriteStateTransition enqueues a lifecycle history row. Non-blocking.
	WriteStateTransition(tr *model.StateTransition)

	// Flush writes all buffered records synchronously.
	Flush(ctx context.Context) error
}
