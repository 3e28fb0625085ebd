// Package model defines the normalized data types shared across the
// orderbook capture pipeline.
//
// Conventions:
//   - Prices: float64 decimals, venue-normalized to [0.0, 1.0]
//   - Timestamps: int64 milliseconds since Unix epoch (fields suffixed MS)
//   - Record IDs: uuid.UUID, generated at construction, so sink retries
//     stay idempotent under at-least-once delivery
package model
