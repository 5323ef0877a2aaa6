package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/httpx"
	commonmiddleware "github.com/tansive/receipts/internal/common/middleware"
	"github.com/tansive/receipts/internal/receiptsrv/apis"
	"github.com/tansive/receipts/internal/receiptsrv/auditlog"
	"github.com/tansive/receipts/internal/receiptsrv/auth"
	"github.com/tansive/receipts/internal/receiptsrv/config"
	"github.com/tansive/receipts/internal/receiptsrv/db"
	"github.com/tansive/receipts/internal/receiptsrv/issuer"
	"github.com/tansive/receipts/internal/receiptsrv/keystore"
	"github.com/tansive/receipts/internal/receiptsrv/ratelimit"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
	"github.com/tansive/receipts/internal/receiptsrv/redemption"
	"github.com/tansive/receipts/internal/receiptsrv/signer"
	"github.com/tansive/receipts/internal/receiptsrv/verifier"
)

const minRequestTimeout = 10 * time.Second

type ReceiptServer struct {
	Router   *chi.Mux
	cfg      *config.ConfigParam
	db       db.Database
	keys     *keystore.KeyStore
	limiter  ratelimit.Limiter
	audit    auditlog.Recorder
	admin    *auth.Validator
	handlers *apis.Handlers
	closers  []io.Closer
}

// CreateNewServer opens the store, runs the signing key startup checks and wires
// the services. The server refuses to start when the configured key does not match
// the store.
func CreateNewServer(ctx context.Context, cfg *config.ConfigParam) (_ *ReceiptServer, err error) {
	s := &ReceiptServer{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.db, err = db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	s.closers = append(s.closers, s.db)

	s.keys, err = keystore.NewFromConfig(s.db, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to configure key store: %w", err)
	}
	if err = checkSigningKeys(ctx, s.keys, cfg); err != nil {
		return nil, err
	}

	s.limiter, err = ratelimit.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to configure rate limiter: %w", err)
	}
	if c, ok := s.limiter.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}

	s.audit = auditlog.Nop{}
	if cfg.AuditLog.Enabled {
		w, openErr := auditlog.Open(cfg.AuditLog.Path)
		if openErr != nil {
			return nil, fmt.Errorf("unable to open audit log: %w", openErr)
		}
		s.audit = w
		s.closers = append(s.closers, w)
	}

	s.admin = auth.NewValidatorFromConfig(cfg)

	mode := cfg.Signing.GetMode()
	s.handlers = &apis.Handlers{
		Keys: s.keys,
		Verifier: verifier.New(s.db, s.keys, redemption.New(s.db), verifier.Options{
			Mode:    mode,
			Timeout: cfg.Verify.GetTimeout(),
		}),
		Issuer: issuer.New(s.db, signer.New(s.keys), issuer.Options{
			Mode: mode,
			TTL:  cfg.Signing.GetReceiptTTL(),
		}),
		Receipts: s.db,
		Audit:    s.audit,
	}

	s.Router = chi.NewRouter()
	return s, nil
}

// checkSigningKeys registers the configured key when asked to and verifies it is the
// active key of the environment.
func checkSigningKeys(ctx context.Context, keys *keystore.KeyStore, cfg *config.ConfigParam) error {
	mode := cfg.Signing.GetMode()
	if cfg.Signing.BootstrapIfEmpty {
		if err := keys.Bootstrap(ctx); err != nil {
			return fmt.Errorf("unable to bootstrap signing key: %w", err)
		}
	}
	if mode == rcptcommon.SigningModeOptional && cfg.Signing.KeyID == "" && cfg.Signing.HasKeyMaterial() {
		return errors.New("signing key startup check failed: signing.key_id is required when key material is configured")
	}
	if mode == rcptcommon.SigningModeDisabled || cfg.Signing.KeyID == "" {
		log.Ctx(ctx).Warn().Str("mode", string(mode)).Msg("signing key startup check skipped")
		return nil
	}
	if err := keys.CheckStartup(ctx, mode == rcptcommon.SigningModeRequired); err != nil {
		return fmt.Errorf("signing key startup check failed: %w", err)
	}
	return nil
}

func (s *ReceiptServer) MountHandlers() {
	s.Router.Use(commonmiddleware.RequestLogger)
	s.Router.Use(commonmiddleware.PanicHandler)
	if s.cfg.HandleCORS {
		s.Router.Use(s.HandleCORS)
	}
	s.Router.Use(commonmiddleware.LimitBody(s.cfg.MaxRequestBodySize))
	s.Router.Use(commonmiddleware.SetTimeout(max(2*s.cfg.Verify.GetTimeout(), minRequestTimeout)))
	s.mountResourceHandlers(s.Router)

	walkFunc := func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		log.Trace().Str("method", method).Str("route", route).Msg("route")
		return nil
	}
	if err := chi.Walk(s.Router, walkFunc); err != nil {
		log.Error().Err(err).Msg("unable to walk routes")
	}
}

func (s *ReceiptServer) mountResourceHandlers(r chi.Router) {
	r.Route("/api/"+config.ApiVersion, func(r chi.Router) {
		apis.Router(r, s.handlers,
			ratelimit.Middleware(s.limiter, s.cfg.Verify.TrustForwardedFor),
			auth.AdminMiddleware(s.admin))
	})
	r.Get("/version", s.getVersion)
	r.Get("/ready", s.getReadiness)
	r.Get("/.well-known/jwks.json", s.getJWKS)
}

// Close releases the store, the limiter and the audit log.
func (s *ReceiptServer) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

type GetVersionRsp struct {
	ServerVersion string `json:"serverVersion"`
	ApiVersion    string `json:"apiVersion"`
}

func (s *ReceiptServer) getVersion(w http.ResponseWriter, r *http.Request) {
	log.Ctx(r.Context()).Debug().Msg("GetVersion")
	rsp := &GetVersionRsp{
		ServerVersion: "Permission Receipt Server: " + config.ServerVersion,
		ApiVersion:    config.ApiVersion,
	}
	httpx.SendJsonRsp(r.Context(), w, http.StatusOK, rsp)
}

// getReadiness reports ready when the store answers and, unless signing is
// disabled, an active key can be read. A failing audit log also makes the server
// not ready.
func (s *ReceiptServer) getReadiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log.Ctx(ctx).Debug().Msg("Readiness check")

	if err := s.db.Ping(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Database connection failed during readiness check")
		httpx.SendJsonRsp(ctx, w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  "database connection failed",
		})
		return
	}
	if s.cfg.Signing.GetMode() != rcptcommon.SigningModeDisabled {
		if _, err := s.keys.GetActiveKey(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("No active signing key during readiness check")
			httpx.SendJsonRsp(ctx, w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  "no active signing key",
			})
			return
		}
	}
	if a, ok := s.audit.(interface{ Err() error }); ok {
		if err := a.Err(); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Audit log write failing during readiness check")
			httpx.SendJsonRsp(ctx, w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  "audit log write failed",
			})
			return
		}
	}
	httpx.SendJsonRsp(ctx, w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (s *ReceiptServer) HandleCORS(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Location", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	})(next)
}
