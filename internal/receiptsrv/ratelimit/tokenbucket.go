package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter gives each key a bucket of Limit tokens refilled evenly over
// Window. Idle keys are dropped after a few windows.
type TokenBucketLimiter struct {
	cfg Config

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewTokenBucketLimiter(cfg Config) *TokenBucketLimiter {
	cfg.setDefaults()
	return &TokenBucketLimiter{
		cfg:       cfg,
		visitors:  make(map[string]*visitor),
		lastSweep: cfg.Now(),
	}
}

func (tb *TokenBucketLimiter) idleAfter() time.Duration {
	return 3 * tb.cfg.Window
}

func (tb *TokenBucketLimiter) getVisitor(key string, now time.Time) *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if now.Sub(tb.lastSweep) > tb.idleAfter() {
		for k, v := range tb.visitors {
			if now.Sub(v.lastSeen) > tb.idleAfter() {
				delete(tb.visitors, k)
			}
		}
		tb.lastSweep = now
	}

	v, ok := tb.visitors[key]
	if !ok {
		every := tb.cfg.Window / time.Duration(tb.cfg.Limit)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), tb.cfg.Limit)}
		tb.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (tb *TokenBucketLimiter) Allow(_ context.Context, key string) (Decision, error) {
	limit := tb.cfg.Limit
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := tb.cfg.Now()
	lim := tb.getVisitor(key, now)

	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now
	if tokens < 1 {
		resetAt = now.Add(time.Duration((1 - tokens) / float64(lim.Limit()) * float64(time.Second)))
	}
	return Decision{Allowed: allowed, Limit: limit, Remaining: remaining, ResetAt: resetAt}, nil
}
