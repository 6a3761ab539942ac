package clients

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with jitter
type Backoff struct {
	// BaseInterval is the delay before the first retry
	BaseInterval time.Duration

	// MaxInterval caps the delay. Zero means no cap.
	MaxInterval time.Duration

	// Jitter is the fraction of the interval randomized in both directions,
	// between 0.0 (none) and 1.0.
	Jitter float64
}

// Interval returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped, then jittered.
func (b Backoff) Interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	interval := time.Duration(float64(b.BaseInterval) * math.Pow(2, float64(attempt-1)))
	if b.MaxInterval > 0 && (interval > b.MaxInterval || interval < 0) {
		interval = b.MaxInterval
	}

	return b.applyJitter(interval)
}

func (b Backoff) applyJitter(interval time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return interval
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}

	// random in [-jitterRange, +jitterRange]
	jitterRange := float64(interval) * jitter
	return time.Duration(float64(interval) + (rand.Float64()*2-1)*jitterRange)
}
