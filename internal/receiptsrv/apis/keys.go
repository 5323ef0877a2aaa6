package apis

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/httpx"
	"github.com/tansive/receipts/internal/receiptsrv/auditlog"
	"github.com/tansive/receipts/internal/receiptsrv/auth"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/keystore"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

// KeyRsp is the public view of a signing key.
type KeyRsp struct {
	KeyID     string  `json:"keyId"`
	Algorithm string  `json:"algorithm"`
	PublicKey string  `json:"publicKey"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"createdAt"`
	RotatedAt *string `json:"rotatedAt,omitempty"`
	RevokedAt *string `json:"revokedAt,omitempty"`
}

func newKeyRsp(k *models.SigningKey) *KeyRsp {
	rsp := &KeyRsp{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: base64.StdEncoding.EncodeToString(k.PublicKey),
		Status:    string(k.Status),
		CreatedAt: rcptcommon.FormatTime(k.CreatedAt),
	}
	if k.RotatedAt != nil {
		s := rcptcommon.FormatTime(*k.RotatedAt)
		rsp.RotatedAt = &s
	}
	if k.RevokedAt != nil {
		s := rcptcommon.FormatTime(*k.RevokedAt)
		rsp.RevokedAt = &s
	}
	return rsp
}

type ListKeysRsp struct {
	Keys []*KeyRsp `json:"keys"`
}

// RotateKeyReq rotates in a caller-supplied public key, or a server-generated key
// pair when PublicKey is empty.
type RotateKeyReq struct {
	KeyID     string `json:"keyId" validate:"omitempty,max=128"`
	PublicKey string `json:"publicKey" validate:"omitempty,base64"`
}

func (h *Handlers) getCurrentKey(r *http.Request) (*httpx.Response, error) {
	key, err := h.Keys.GetActiveKey(r.Context())
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: newKeyRsp(key)}, nil
}

func (h *Handlers) getKey(r *http.Request) (*httpx.Response, error) {
	keyID := chi.URLParam(r, "keyId")
	key, err := h.Keys.GetKey(r.Context(), keyID)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: newKeyRsp(key)}, nil
}

func (h *Handlers) listKeys(r *http.Request) (*httpx.Response, error) {
	keys, err := h.Keys.ListKeys(r.Context())
	if err != nil {
		return nil, err
	}
	rsp := &ListKeysRsp{Keys: make([]*KeyRsp, 0, len(keys))}
	for _, k := range keys {
		rsp.Keys = append(rsp.Keys, newKeyRsp(k))
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: rsp}, nil
}

func (h *Handlers) rotateKey(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	req := &RotateKeyReq{}
	if err := httpx.GetRequestData(r, req); err != nil {
		return nil, err
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	var key *models.SigningKey
	if req.PublicKey == "" {
		if req.KeyID != "" {
			return nil, httpx.ErrInvalidRequest("keyId may only be given together with publicKey")
		}
		k, err := h.Keys.GenerateAndRotate(ctx)
		if err != nil {
			return nil, err
		}
		key = k
	} else {
		if req.KeyID == "" {
			return nil, httpx.ErrInvalidRequest("keyId is required with publicKey")
		}
		pub, decErr := base64.StdEncoding.DecodeString(req.PublicKey)
		if decErr != nil || len(pub) != ed25519.PublicKeySize {
			return nil, httpx.ErrInvalidRequest("publicKey must be a base64 encoded 32 byte Ed25519 key")
		}
		k, err := h.Keys.Rotate(ctx, keystore.NewKey{KeyID: req.KeyID, PublicKey: pub})
		if err != nil {
			return nil, err
		}
		key = k
	}

	h.record(r, auditlog.Event{Type: auditlog.EventKeyRotated, KeyID: key.KeyID})
	return &httpx.Response{
		StatusCode: http.StatusCreated,
		Location:   "/api/v1/keys/" + key.KeyID,
		Response:   newKeyRsp(key),
	}, nil
}

func (h *Handlers) revokeKey(r *http.Request) (*httpx.Response, error) {
	keyID := chi.URLParam(r, "keyId")
	key, err := h.Keys.Revoke(r.Context(), keyID)
	if err != nil {
		return nil, err
	}
	h.record(r, auditlog.Event{Type: auditlog.EventKeyRevoked, KeyID: key.KeyID})
	return &httpx.Response{StatusCode: http.StatusOK, Response: newKeyRsp(key)}, nil
}

// record writes an audit event. The request has already taken effect, so a failure
// does not fail it. The writer keeps the failure and /ready reports it until a
// later write succeeds.
func (h *Handlers) record(r *http.Request, e auditlog.Event) {
	if c := auth.AdminFromContext(r.Context()); c != nil && e.Actor == "" {
		e.Actor = c.Subject
	}
	if err := h.Audit.Record(r.Context(), e); err != nil {
		ev := log.Ctx(r.Context()).Error().Err(err).Str("event", string(e.Type))
		if f, ok := h.Audit.(interface{ Failures() int64 }); ok {
			ev = ev.Int64("audit_failures", f.Failures())
		}
		ev.Msg("failed to record audit event")
	}
}
