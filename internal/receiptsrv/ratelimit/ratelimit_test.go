package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/receipts/internal/common/uuid"
	"github.com/tansive/receipts/internal/receiptsrv/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func allowN(t *testing.T, l Limiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		d, err := l.Allow(context.Background(), key)
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterFixedWindow(t *testing.T) {
	clock := newClock()
	l := NewMemoryLimiter(Config{Limit: 100, Window: time.Minute, Now: clock.Now})

	assert.Equal(t, 100, allowN(t, l, "10.0.0.1", 150))

	d, err := l.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), d.ResetAt)

	// Counters are independent per identity.
	assert.Equal(t, 100, allowN(t, l, "10.0.0.2", 100))

	clock.Advance(59 * time.Second)
	assert.Zero(t, allowN(t, l, "10.0.0.1", 1))

	clock.Advance(time.Second)
	assert.Equal(t, 100, allowN(t, l, "10.0.0.1", 101))
}

func TestMemoryLimiterRemaining(t *testing.T) {
	l := NewMemoryLimiter(Config{Limit: 3, Window: time.Minute, Now: newClock().Now})
	for want := 2; want >= 0; want-- {
		d, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
	}
}

func TestMemoryLimiterCapacity(t *testing.T) {
	clock := newClock()
	l := NewMemoryLimiter(Config{Limit: 1, Window: time.Minute, Now: clock.Now})
	l.maxKeys = 2

	assert.Equal(t, 1, allowN(t, l, "a", 1))
	assert.Equal(t, 1, allowN(t, l, "b", 1))
	_, err := l.Allow(context.Background(), "c")
	assert.ErrorIs(t, err, ErrCapacity)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, allowN(t, l, "c", 1), "expired windows are collected")
}

func TestUnlimited(t *testing.T) {
	for _, l := range []Limiter{
		NewMemoryLimiter(Config{Limit: 0}),
		NewTokenBucketLimiter(Config{Limit: 0}),
	} {
		assert.Equal(t, 1000, allowN(t, l, "k", 1000))
	}
}

func TestTokenBucketLimiter(t *testing.T) {
	clock := newClock()
	l := NewTokenBucketLimiter(Config{Limit: 60, Window: time.Minute, Now: clock.Now})

	assert.Equal(t, 60, allowN(t, l, "10.0.0.1", 100))
	d, err := l.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.ResetAt.After(clock.Now()))

	assert.Equal(t, 60, allowN(t, l, "10.0.0.2", 60))

	clock.Advance(10 * time.Second)
	assert.Equal(t, 10, allowN(t, l, "10.0.0.1", 20))
}

func TestTokenBucketSweepsIdleVisitors(t *testing.T) {
	clock := newClock()
	l := NewTokenBucketLimiter(Config{Limit: 5, Window: time.Second, Now: clock.Now})
	allowN(t, l, "a", 1)
	allowN(t, l, "b", 1)

	clock.Advance(10 * time.Second)
	allowN(t, l, "c", 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.visitors, 1)
	assert.Contains(t, l.visitors, "c")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted bool
		want    string
	}{
		{"ipv4 with port", "192.0.2.1:1234", "", false, "192.0.2.1"},
		{"ipv6 with port", "[2001:db8::1]:443", "", false, "2001:db8::1"},
		{"no port", "192.0.2.1", "", false, "192.0.2.1"},
		{"forwarded ignored", "192.0.2.1:1234", "198.51.100.7", false, "192.0.2.1"},
		{"forwarded trusted", "192.0.2.1:1234", "198.51.100.7, 10.0.0.1", true, "198.51.100.7"},
		{"forwarded empty", "192.0.2.1:1234", " ", true, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.trusted))
		})
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("down")
}

func TestMiddleware(t *testing.T) {
	clock := newClock()
	l := NewMemoryLimiter(Config{Limit: 2, Window: time.Minute, Now: clock.Now})
	h := Middleware(l, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(remote string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/receipts/verify", nil)
		r.RemoteAddr = remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, call("192.0.2.1:1").Code)
	w := call("192.0.2.1:2")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = call("192.0.2.1:3")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"PP_RATE_LIMITED"`)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, call("192.0.2.2:1").Code)

	failing := Middleware(failingLimiter{}, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run when the limiter fails")
	}))
	w = httptest.NewRecorder()
	failing.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.TestConfig(t.TempDir())

	l, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryLimiter{}, l)

	cfg.Verify.RateLimiter = KindTokenBucket
	l, err = NewFromConfig(cfg)
	require.NoError(t, err)
	assert.IsType(t, &TokenBucketLimiter{}, l)

	cfg.Verify.RateLimiter = KindRedis
	_, err = NewFromConfig(cfg)
	assert.Error(t, err)

	cfg.Verify.RateLimiter = "leaky"
	_, err = NewFromConfig(cfg)
	assert.Error(t, err)
}

func TestRedisLimiter(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	prefix := "receipts:test:" + uuid.New().String() + ":"
	l := NewRedisLimiter(client, prefix, Config{Limit: 5, Window: time.Minute})
	defer l.Close()

	assert.Equal(t, 5, allowN(t, l, "10.0.0.1", 8))
	assert.Equal(t, 5, allowN(t, l, "10.0.0.2", 5))

	d, err := l.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.ResetAt.After(time.Now()))
}
