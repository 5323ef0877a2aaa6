package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/httpx"
)

// PanicHandler turns a handler panic into a logged 500 PP_INTERNAL response.
func PanicHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := httpx.NewResponseWriter(w)
		defer recoverPanic(r.Context(), rw)
		next.ServeHTTP(rw, r)
	})
}

// recoverPanic must be deferred directly. It answers with an error only when the
// handler has not started a response.
func recoverPanic(ctx context.Context, rw *httpx.ResponseWriter) {
	p := recover()
	if p == nil {
		return
	}
	log.Ctx(ctx).Error().
		Str("panic", fmt.Sprintf("%v", p)).
		Str("stack_trace", string(debug.Stack())).
		Msg("panic occurred")
	if !rw.Written() {
		httpx.ErrApplicationError().Send(rw)
	}
}
