// Package venue normalizes the supported prediction-market venues behind a
// single capability set: REST market discovery plus a streaming orderbook/
// trade feed. Variants are selected by platform at listener construction.
//
// Both adapters emit fully normalized model.OrderbookSnapshot and
// model.Trade values; venue-specific price and side conventions never
// leave this package.
package venue
