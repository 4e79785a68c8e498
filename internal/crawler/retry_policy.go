package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// NoBackoff retries immediately.
type NoBackoff struct{}

// Delay always returns zero.
func (NoBackoff) Delay(int) time.Duration { return 0 }

// ExponentialBackoff implements Backoff with jittered, capped exponential delays.
type ExponentialBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialBackoff builds a backoff; non-positive values fall back to
// 250ms base and 5s cap.
func NewExponentialBackoff(base, maxDelay time.Duration) *ExponentialBackoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &ExponentialBackoff{baseDelay: base, maxDelay: maxDelay}
}

// Delay returns the wait before the given attempt. The first attempt never waits.
func (p *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-2))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialBackoff) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
