package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/httpx"
)

// SetTimeout bounds request handling. A handler still running at the deadline loses
// the response writer and the client gets 504 PP_TIMEOUT.
func SetTimeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			rw := httpx.NewResponseWriter(w)
			done := make(chan struct{})
			go func() {
				defer close(done)
				// the outer PanicHandler cannot see this goroutine
				defer recoverPanic(ctx, rw)
				next.ServeHTTP(rw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if rw.MarkTimedOut() {
					httpx.ErrRequestTimeout().Send(w)
				}
				log.Ctx(ctx).Warn().Dur("timeout", timeout).Msg("request timed out")
			}
		})
	}
}

// LimitBody caps the request body at n bytes; decoders report the overflow as 413.
func LimitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
