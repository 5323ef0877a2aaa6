package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCapacity = errors.New("rate limiter capacity exceeded")

// MemoryLimiter is a fixed-window counter per key. A key's window starts with its
// first request and its counter resets once the window has passed.
type MemoryLimiter struct {
	cfg     Config
	maxKeys int

	mu      sync.Mutex
	buckets map[string]*window
}

type window struct {
	count int
	end   time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	cfg.setDefaults()
	return &MemoryLimiter{
		cfg:     cfg,
		maxKeys: 100000,
		buckets: make(map[string]*window),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	limit := m.cfg.Limit
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := m.cfg.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.buckets[key]
	if !ok || !now.Before(w.end) {
		if !ok && len(m.buckets) >= m.maxKeys {
			m.gc(now)
			if len(m.buckets) >= m.maxKeys {
				return Decision{}, ErrCapacity
			}
		}
		w = &window{end: now.Add(m.cfg.Window)}
		m.buckets[key] = w
	}

	if w.count >= limit {
		return Decision{Limit: limit, ResetAt: w.end}, nil
	}
	w.count++
	return Decision{Allowed: true, Limit: limit, Remaining: limit - w.count, ResetAt: w.end}, nil
}

func (m *MemoryLimiter) gc(now time.Time) {
	for key, w := range m.buckets {
		if !now.Before(w.end) {
			delete(m.buckets, key)
		}
	}
}
