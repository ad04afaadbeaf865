package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config holds rate limit settings.
type Config struct {
	Rate  float64 // tokens per second refill rate
	Burst int     // maximum burst size (bucket capacity)
}

// Limiter tracks per-key token buckets. Keys are relay peer ids for inbound
// peer messages and backend identifiers for directory lookups.
// A nil *Limiter allows everything.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLimiter creates a Limiter with the given config.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether one event for key fits in its bucket right now.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.bucket(key).Allow()
}

// Wait blocks until key has a token or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	return l.bucket(key).Wait(ctx)
}

// Forget drops the bucket for key, e.g. when a peer leaves.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Reset removes all tracked keys.
func (l *Limiter) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}
