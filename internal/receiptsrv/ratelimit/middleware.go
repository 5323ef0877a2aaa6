package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/httpx"
)

// ClientIP returns the identity a request is counted against: the peer address, or
// the first X-Forwarded-For hop when trustForwarded is set.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// Middleware rejects requests over the limit with 429 PP_RATE_LIMITED. If the
// limiter itself fails the request is rejected with 503.
func Middleware(l Limiter, trustForwarded bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustForwarded)
			d, err := l.Allow(r.Context(), ip)
			if err != nil {
				log.Ctx(r.Context()).Error().Err(err).Str("client", ip).Msg("rate limiter unavailable")
				httpx.ErrServiceUnavailable("rate limiter unavailable").Send(w)
				return
			}
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if !d.Allowed {
				retry := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				log.Ctx(r.Context()).Warn().Str("client", ip).Msg("rate limit exceeded")
				httpx.ErrTooManyRequests().Send(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
