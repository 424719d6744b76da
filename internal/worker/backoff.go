package worker

import (
	"math/rand"
	"time"
)

// RetryPolicy computes when a retryable failure runs again. Delays grow
// exponentially from Base, cap at Max, and carry up to 20% jitter in either
// direction so retries from a burst failure do not land on the same tick.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// NextDelay returns the backoff before the given attempt (1-based) runs.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	d := p.baseDelay(attempt)
	// ±20% jitter
	jitter := time.Duration(rand.Int63n(int64(d)/5*2+1)) - d/5
	return d + jitter
}

// baseDelay is the un-jittered exponential curve: min(Max, Base·2^(n−1)).
func (p RetryPolicy) baseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
