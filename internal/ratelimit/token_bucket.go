package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Clock lets tests drive refill deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket admits up to burst events at once and refills at perSecond
// tokens per second.
type TokenBucket struct {
	clock Clock
	lim   *rate.Limiter
}

// NewTokenBucket returns a bucket that starts full. A perSecond <= 0 disables
// limiting.
func NewTokenBucket(clock Clock, burst, perSecond int) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if perSecond <= 0 {
		return &TokenBucket{clock: clock, lim: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = perSecond
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), burst)
	// Anchor the limiter to the injected clock so the first refill is
	// computed against it rather than the wall clock.
	lim.AllowN(clock.Now(), 0)
	return &TokenBucket{clock: clock, lim: lim}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) AllowN(n int) bool {
	if n <= 0 {
		return true
	}
	return b.lim.AllowN(b.clock.Now(), n)
}
