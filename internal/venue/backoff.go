package venue

import (
	"math/rand/v2"
	"time"
)

// Backoff produces full-jitter exponential delays:
// min(cap, base * 2^n) * random(0.5, 1.5).
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// DefaultBackoff returns the standard reconnect schedule (1s base, 60s cap).
func DefaultBackoff() *Backoff {
	return &Backoff{Base: time.Second, Max: 60 * time.Second}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	d := base << b.attempt
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	if b.attempt < 30 {
		b.attempt++
	}

	// Jitter: d * (0.5 to 1.5)
	return d/2 + time.Duration(rand.Int64N(int64(d)))
}

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
