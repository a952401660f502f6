package ratelimit

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxKeys = 4096

// KeyedLimiter keeps one TokenBucket per key, for example per remote IP.
// Buckets are evicted least-recently-used once MaxKeys is reached.
type KeyedLimiter struct {
	clock     Clock
	burst     int
	perSecond int

	buckets *lru.Cache[string, *TokenBucket]
}

type KeyedConfig struct {
	Clock     Clock
	Burst     int
	PerSecond int
	// MaxKeys bounds memory under key spray. <= 0 selects a default.
	MaxKeys int
	// OnEvict is called once per evicted bucket, outside the cache lock.
	OnEvict func()
}

func NewKeyedLimiter(cfg KeyedConfig) *KeyedLimiter {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	var onEvict func(string, *TokenBucket)
	if cfg.OnEvict != nil {
		onEvict = func(string, *TokenBucket) { cfg.OnEvict() }
	}
	// Only fails for a non-positive size.
	buckets, _ := lru.NewWithEvict[string, *TokenBucket](cfg.MaxKeys, onEvict)
	return &KeyedLimiter{
		clock:     cfg.Clock,
		burst:     cfg.Burst,
		perSecond: cfg.PerSecond,
		buckets:   buckets,
	}
}

// Allow consumes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.perSecond <= 0 {
		return true
	}
	return l.bucket(key).Allow()
}

// Len reports how many buckets are tracked.
func (l *KeyedLimiter) Len() int {
	return l.buckets.Len()
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := NewTokenBucket(l.clock, l.burst, l.perSecond)
	if prev, ok, _ := l.buckets.PeekOrAdd(key, b); ok {
		return prev
	}
	return b
}
