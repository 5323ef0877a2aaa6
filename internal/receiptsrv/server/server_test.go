package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/receipts/internal/receiptsrv/auditlog"
	"github.com/tansive/receipts/internal/receiptsrv/auth"
	"github.com/tansive/receipts/internal/receiptsrv/config"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

func testConfig(t *testing.T, dir string) (*config.ConfigParam, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg := config.TestConfig(dir)
	cfg.Signing.PrivateKey = base64.StdEncoding.EncodeToString(priv.Seed())
	cfg.Signing.BootstrapIfEmpty = true
	cfg.HandleCORS = true
	return cfg, priv
}

func newTestServer(t *testing.T, cfg *config.ConfigParam) *ReceiptServer {
	t.Helper()
	ctx := log.Logger.WithContext(context.Background())
	s, err := CreateNewServer(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.MountHandlers()
	return s
}

func request(t *testing.T, s *ReceiptServer, method, path string, body any, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body == nil {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://ci.example.com")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestVersion(t *testing.T) {
	cfg, _ := testConfig(t, t.TempDir())
	s := newTestServer(t, cfg)

	rec, out := request(t, s, http.MethodGet, "/version", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Permission Receipt Server: "+config.ServerVersion, out["serverVersion"])
	assert.Equal(t, config.ApiVersion, out["apiVersion"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestReadinessAndJWKS(t *testing.T) {
	cfg, priv := testConfig(t, t.TempDir())
	s := newTestServer(t, cfg)

	rec, out := request(t, s, http.MethodGet, "/ready", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", out["status"])

	rec, out = request(t, s, http.MethodGet, "/.well-known/jwks.json", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	keys := out["keys"].([]any)
	require.Len(t, keys, 1)
	jwk := keys[0].(map[string]any)
	assert.Equal(t, "k1", jwk["kid"])
	assert.Equal(t, "OKP", jwk["kty"])
	assert.Equal(t, "Ed25519", jwk["crv"])
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)), jwk["x"])

	ctx := log.Logger.WithContext(context.Background())
	_, err := s.keys.Revoke(ctx, "k1")
	require.NoError(t, err)

	rec, out = request(t, s, http.MethodGet, "/.well-known/jwks.json", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, out["keys"])

	rec, out = request(t, s, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", out["status"])
}

func TestReadinessReportsAuditFailures(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := testConfig(t, dir)
	cfg.AuditLog.Enabled = true
	cfg.AuditLog.Path = filepath.Join(dir, "audit.jsonl")
	s := newTestServer(t, cfg)

	rec, _ := request(t, s, http.MethodGet, "/ready", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	w, ok := s.audit.(*auditlog.Writer)
	require.True(t, ok)
	require.NoError(t, w.Close())

	token, err := auth.CreateAdminToken([]byte(cfg.Auth.AdminTokenSecret), cfg.Auth.Issuer, "policy-engine", time.Hour, time.Now())
	require.NoError(t, err)
	rec, _ = request(t, s, http.MethodPost, "/api/v1/receipts", map[string]any{
		"decision": "DENIED",
		"scope":    "deploy:prod",
		"scopeRef": "refs/tags/v1.2.0",
		"scopeSha": "0f1e2d",
	}, token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), w.Failures())

	rec, out := request(t, s, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "audit log write failed", out["error"])
}

func TestIssueAndVerifyThroughServer(t *testing.T) {
	cfg, _ := testConfig(t, t.TempDir())
	s := newTestServer(t, cfg)

	token, err := auth.CreateAdminToken([]byte(cfg.Auth.AdminTokenSecret), cfg.Auth.Issuer, "policy-engine", time.Hour, time.Now())
	require.NoError(t, err)

	rec, out := request(t, s, http.MethodPost, "/api/v1/receipts", map[string]any{
		"decision": "APPROVED",
		"scope":    "deploy:prod",
		"scopeRef": "refs/tags/v1.2.0",
		"scopeSha": "0f1e2d",
	}, token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := out["receiptId"].(string)
	assert.Equal(t, "k1", out["keyId"])

	verify := map[string]any{"receiptId": id, "scope": "deploy:prod", "scopeRef": "refs/tags/v1.2.0", "scopeSha": "0f1e2d", "redeem": true}
	rec, out = request(t, s, http.MethodPost, "/api/v1/receipts/verify", verify, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["valid"])
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))

	rec, out = request(t, s, http.MethodPost, "/api/v1/receipts/verify", verify, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PP_REDEEMED", out["code"])
}

func TestRequestBodyLimit(t *testing.T) {
	cfg, _ := testConfig(t, t.TempDir())
	cfg.MaxRequestBodySize = 64
	s := newTestServer(t, cfg)

	rec, out := request(t, s, http.MethodPost, "/api/v1/receipts/verify", map[string]any{
		"receiptId": "rcpt_" + string(bytes.Repeat([]byte("x"), 100)),
		"scope":     "s",
		"scopeRef":  "r",
		"scopeSha":  "h",
	}, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PP_BAD_REQUEST", out["code"])
}

func TestStartupChecks(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := testConfig(t, dir)
	ctx := log.Logger.WithContext(context.Background())
	s, err := CreateNewServer(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	t.Run("restart with the same key", func(t *testing.T) {
		s, err := CreateNewServer(ctx, cfg)
		require.NoError(t, err)
		s.Close()
	})

	t.Run("configured key id is not active", func(t *testing.T) {
		other := *cfg
		other.Signing.KeyID = "k2"
		_, err := CreateNewServer(ctx, &other)
		assert.Error(t, err)
	})

	t.Run("configured private key does not match", func(t *testing.T) {
		other, _ := testConfig(t, dir)
		_, err := CreateNewServer(ctx, other)
		assert.Error(t, err)
	})

	t.Run("optional mode needs the key id when key material is configured", func(t *testing.T) {
		other := *cfg
		other.Signing.Mode = string(rcptcommon.SigningModeOptional)
		other.Signing.KeyID = ""
		other.Signing.BootstrapIfEmpty = false
		_, err := CreateNewServer(ctx, &other)
		assert.ErrorContains(t, err, "signing.key_id is required")
	})

	t.Run("optional mode without key material starts unsigned", func(t *testing.T) {
		other := *cfg
		other.Signing.Mode = string(rcptcommon.SigningModeOptional)
		other.Signing.KeyID = ""
		other.Signing.PrivateKey = ""
		other.Signing.KeyEncryptionPasswd = ""
		other.Signing.BootstrapIfEmpty = false
		s, err := CreateNewServer(ctx, &other)
		require.NoError(t, err)
		s.Close()
	})

	t.Run("disabled mode skips the check", func(t *testing.T) {
		other := *cfg
		other.Signing.Mode = string(rcptcommon.SigningModeDisabled)
		other.Signing.KeyID = "k2"
		other.Signing.BootstrapIfEmpty = false
		s, err := CreateNewServer(ctx, &other)
		require.NoError(t, err)
		s.Close()
	})
}

func TestStartupWithoutKeys(t *testing.T) {
	cfg := config.TestConfig(t.TempDir())
	ctx := log.Logger.WithContext(context.Background())
	_, err := CreateNewServer(ctx, cfg)
	assert.Error(t, err)
}
