package dispatch

import (
	"math/rand"
	"time"
)

// backoff produces exponentially growing delays with ±20% jitter, capped.
// Not safe for concurrent use; each retry loop owns its own instance.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func newBackoff(base, cap time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return &backoff{base: base, cap: cap}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d > b.cap || d <= 0 {
		d = b.cap
	}
	b.attempt++

	// ±20% jitter keeps retry storms from synchronizing.
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

// Reset rewinds the sequence after a success.
func (b *backoff) Reset() {
	b.attempt = 0
}
