// Package ratelimit caps requests per client identity. Requests over the cap are
// rejected, never queued.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tansive/receipts/internal/receiptsrv/config"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config is the per-identity budget shared by all limiter kinds.
type Config struct {
	Limit  int
	Window time.Duration
	Now    func() time.Time
}

func (c *Config) setDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
}

const (
	KindMemory      = "memory"
	KindTokenBucket = "token_bucket"
	KindRedis       = "redis"
)

// NewFromConfig builds the limiter selected by verify.rate_limiter.
func NewFromConfig(cfg *config.ConfigParam) (Limiter, error) {
	c := Config{Limit: cfg.Verify.RateLimit, Window: cfg.Verify.GetRateWindow()}
	switch cfg.Verify.RateLimiter {
	case "", KindMemory:
		return NewMemoryLimiter(c), nil
	case KindTokenBucket:
		return NewTokenBucketLimiter(c), nil
	case KindRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis.addr is required for the redis rate limiter")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisLimiter(client, cfg.Redis.KeyPrefix, c), nil
	default:
		return nil, fmt.Errorf("unknown rate limiter %q", cfg.Verify.RateLimiter)
	}
}
