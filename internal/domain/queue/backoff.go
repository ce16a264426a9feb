package queue

import "time"

// Backoff computes the delay before the next posting attempt:
// base doubles with every failed attempt up to the cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff retries at 30s, 1m, 2m, ... capped at one hour.
var DefaultBackoff = Backoff{
	Base: 30 * time.Second,
	Cap:  time.Hour,
}

// Delay returns the wait after the given failed attempt count (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			return b.Cap
		}
	}
	if delay > b.Cap {
		return b.Cap
	}
	return delay
}
