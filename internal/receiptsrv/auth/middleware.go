package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/httpx"
)

const (
	AuthHeaderPrefix = "Bearer "
	GenericAuthError = "authentication failed"
)

type adminCtxKey struct{}

// AdminFromContext returns the claims of the authenticated admin, or nil.
func AdminFromContext(ctx context.Context) *AdminClaims {
	c, _ := ctx.Value(adminCtxKey{}).(*AdminClaims)
	return c
}

// AdminMiddleware rejects requests without a valid admin bearer token.
func AdminMiddleware(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, AuthHeaderPrefix) {
				log.Ctx(ctx).Debug().Msg("missing or invalid authorization header")
				httpx.ErrUnAuthorized(GenericAuthError).Send(w)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, AuthHeaderPrefix))
			if token == "" {
				log.Ctx(ctx).Debug().Msg("empty token")
				httpx.ErrUnAuthorized(GenericAuthError).Send(w)
				return
			}

			claims, err := v.Validate(ctx, token)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("admin token validation failed")
				httpx.ErrUnAuthorized(GenericAuthError).Send(w)
				return
			}

			logger := log.Ctx(ctx).With().Str("admin", claims.Subject).Logger()
			ctx = logger.WithContext(context.WithValue(ctx, adminCtxKey{}, claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
