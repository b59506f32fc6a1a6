package supervisor

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: min(base * 2^attempt, cap) with ±25%
// jitter. Delays are non-decreasing (before jitter) across consecutive
// failures; Reset restores the base after any successful connection.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	capDelay := b.Cap
	if capDelay <= 0 {
		capDelay = 60 * time.Second
	}

	delay := base
	for i := 0; i < b.attempt; i++ {
		delay *= 2
		if delay >= capDelay {
			delay = capDelay
			break
		}
	}
	b.attempt++

	// ±25% jitter
	jitter := delay / 4
	if jitter > 0 {
		delay = delay - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
	}
	return delay
}

// Attempt returns the number of failed attempts since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
