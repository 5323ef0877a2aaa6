package server

import (
	"encoding/base64"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/httpx"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// getJWKS publishes every key of the environment that can still verify receipts.
// Revoked keys are left out.
func (s *ReceiptServer) getJWKS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log.Ctx(ctx).Debug().Msg("Serving JWKS request")

	keys, err := s.keys.ListKeys(ctx)
	if err != nil {
		httpx.SendError(w, err)
		return
	}

	jwks := JWKS{Keys: []JWK{}}
	for _, k := range keys {
		if k.Status == rcptcommon.KeyStatusRevoked {
			continue
		}
		jwks.Keys = append(jwks.Keys, JWK{
			Kty: "OKP",
			Kid: k.KeyID,
			Use: "sig",
			Alg: "EdDSA",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(k.PublicKey),
		})
	}
	httpx.SendJsonRsp(ctx, w, http.StatusOK, jwks)
}
