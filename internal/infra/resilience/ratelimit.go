package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate limiter for upstream calls.
type Limiter struct {
	limiter *rate.Limiter
	onWait  func(time.Duration)
}

// NewLimiter allows rps requests per second with a burst capacity of burst tokens.
// rps <= 0 disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

// OnWait registers a hook called whenever a caller has to wait for a token.
func (l *Limiter) OnWait(fn func(time.Duration)) *Limiter {
	l.onWait = fn
	return l
}

// Wait blocks until the limiter allows one event, or ctx is done.
// Uses Reserve() to guarantee exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		if l.onWait != nil {
			l.onWait(delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}
