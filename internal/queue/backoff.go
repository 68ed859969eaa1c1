package queue

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: base * 2^(attempt-1), capped at max,
// with up to 25% random jitter subtracted so retries from multiple
// entities do not land on the backend in lockstep. The jitter stays
// inside the cap; Delay never exceeds Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt number (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d - jitter
}
