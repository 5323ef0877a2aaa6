// Package apis implements the HTTP handlers of the receipt service.
package apis

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/common/httpx"
	"github.com/tansive/receipts/internal/receiptsrv/auditlog"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/issuer"
	"github.com/tansive/receipts/internal/receiptsrv/keystore"
	"github.com/tansive/receipts/internal/receiptsrv/verifier"
)

// KeyService is the part of the key store the API exposes.
type KeyService interface {
	GetActiveKey(ctx context.Context) (*models.SigningKey, apperrors.Error)
	GetKey(ctx context.Context, keyID string) (*models.SigningKey, apperrors.Error)
	ListKeys(ctx context.Context) ([]*models.SigningKey, apperrors.Error)
	Rotate(ctx context.Context, newKey keystore.NewKey) (*models.SigningKey, apperrors.Error)
	GenerateAndRotate(ctx context.Context) (*models.SigningKey, apperrors.Error)
	Revoke(ctx context.Context, keyID string) (*models.SigningKey, apperrors.Error)
}

type ReceiptVerifier interface {
	Verify(ctx context.Context, req verifier.Request) (*verifier.Result, apperrors.Error)
}

type ReceiptIssuer interface {
	Issue(ctx context.Context, req issuer.IssueRequest) (*models.Receipt, apperrors.Error)
}

type ReceiptReader interface {
	GetReceipt(ctx context.Context, receiptID string) (*models.Receipt, apperrors.Error)
}

// Handlers holds the services behind the API.
type Handlers struct {
	Keys     KeyService
	Verifier ReceiptVerifier
	Issuer   ReceiptIssuer
	Receipts ReceiptReader
	Audit    auditlog.Recorder
}

type handlerParam struct {
	Method  string
	Path    string
	Handler httpx.RequestHandler
}

func (h *Handlers) publicHandlers() []handlerParam {
	return []handlerParam{
		{Method: http.MethodGet, Path: "/keys/current", Handler: h.getCurrentKey},
		{Method: http.MethodGet, Path: "/keys/{keyId}", Handler: h.getKey},
	}
}

func (h *Handlers) verifyHandlers() []handlerParam {
	return []handlerParam{
		{Method: http.MethodPost, Path: "/receipts/verify", Handler: h.verifyReceipt},
	}
}

func (h *Handlers) adminHandlers() []handlerParam {
	return []handlerParam{
		{Method: http.MethodGet, Path: "/keys", Handler: h.listKeys},
		{Method: http.MethodPost, Path: "/keys/rotate", Handler: h.rotateKey},
		{Method: http.MethodPost, Path: "/keys/{keyId}/revoke", Handler: h.revokeKey},
		{Method: http.MethodPost, Path: "/receipts", Handler: h.issueReceipt},
		{Method: http.MethodGet, Path: "/receipts/{receiptId}", Handler: h.getReceipt},
	}
}

// Router mounts the v1 API on r. Verify routes pass through verifyMiddleware and
// admin routes through adminMiddleware.
func Router(r chi.Router, h *Handlers, verifyMiddleware, adminMiddleware func(http.Handler) http.Handler) chi.Router {
	if h.Audit == nil {
		h.Audit = auditlog.Nop{}
	}
	r.Group(func(r chi.Router) {
		for _, handler := range h.publicHandlers() {
			r.Method(handler.Method, handler.Path, httpx.WrapHttpRsp(handler.Handler))
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(verifyMiddleware)
		for _, handler := range h.verifyHandlers() {
			r.Method(handler.Method, handler.Path, httpx.WrapHttpRsp(handler.Handler))
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(adminMiddleware)
		for _, handler := range h.adminHandlers() {
			r.Method(handler.Method, handler.Path, httpx.WrapHttpRsp(handler.Handler))
		}
	})
	return r
}
