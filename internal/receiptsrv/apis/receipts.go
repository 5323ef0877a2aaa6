package apis

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tansive/receipts/internal/common/httpx"
	"github.com/tansive/receipts/internal/receiptsrv/auditlog"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/issuer"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
	"github.com/tansive/receipts/internal/receiptsrv/verifier"
)

const issueReceiptSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["decision", "scope", "scopeRef", "scopeSha"],
  "properties": {
    "decision": {"enum": ["APPROVED", "DENIED", "REQUIRES_APPROVAL"]},
    "scope": {"type": "string", "minLength": 1, "maxLength": 512},
    "scopeRef": {"type": "string", "minLength": 1, "maxLength": 512},
    "scopeSha": {"type": "string", "minLength": 1, "maxLength": 256},
    "ttlMs": {"type": "integer", "minimum": 1000, "maximum": 2592000000}
  }
}`

var issueSchema *jsonschema.Schema

func init() {
	s, err := compileSchema(issueReceiptSchema)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to compile issue receipt schema")
	}
	issueSchema = s
}

// IssueReceiptReq is the body of an issue request.
type IssueReceiptReq struct {
	Decision string `mapstructure:"decision"`
	Scope    string `mapstructure:"scope"`
	ScopeRef string `mapstructure:"scopeRef"`
	ScopeSha string `mapstructure:"scopeSha"`
	TTLMs    int64  `mapstructure:"ttlMs"`
}

// IssuedReceiptRsp is returned to the caller that asked for the receipt and carries
// the signature so it can be handed on.
type IssuedReceiptRsp struct {
	verifier.PublicReceipt
	Signature string `json:"signature,omitempty"`
}

func newIssuedReceiptRsp(r *models.Receipt) *IssuedReceiptRsp {
	return &IssuedReceiptRsp{
		PublicReceipt: *verifier.NewPublicReceipt(r),
		Signature:     r.Signature,
	}
}

func (h *Handlers) verifyReceipt(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	req := verifier.Request{}
	if err := httpx.GetRequestData(r, &req); err != nil {
		return nil, err
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	res, err := h.Verifier.Verify(ctx, req)
	if err != nil {
		return nil, err
	}

	e := auditlog.Event{ReceiptID: req.ReceiptID, Code: string(res.Code)}
	switch {
	case !res.Valid:
		e.Type = auditlog.EventReceiptRejected
	case req.Redeem:
		e.Type = auditlog.EventReceiptRedeemed
	default:
		e.Type = auditlog.EventReceiptVerified
	}
	if res.Receipt != nil {
		e.KeyID = res.Receipt.KeyID
	}
	h.record(r, e)

	log.Ctx(ctx).Info().
		Str("receipt_id", req.ReceiptID).
		Bool("valid", res.Valid).
		Str("code", string(res.Code)).
		Bool("redeem", req.Redeem).
		Msg("receipt verified")

	return &httpx.Response{StatusCode: res.Code.HTTPStatus(), Response: res}, nil
}

func (h *Handlers) issueReceipt(r *http.Request) (*httpx.Response, error) {
	ctx := r.Context()
	doc, err := readSchemaBody(r, issueSchema)
	if err != nil {
		return nil, err
	}
	req := IssueReceiptReq{}
	if err := mapstructure.Decode(doc, &req); err != nil {
		return nil, httpx.ErrInvalidRequest(err.Error())
	}

	receipt, appErr := h.Issuer.Issue(ctx, issuer.IssueRequest{
		Decision: rcptcommon.Decision(req.Decision),
		Scope:    req.Scope,
		ScopeRef: req.ScopeRef,
		ScopeSha: req.ScopeSha,
		TTL:      time.Duration(req.TTLMs) * time.Millisecond,
	})
	if appErr != nil {
		return nil, appErr
	}
	h.record(r, auditlog.Event{Type: auditlog.EventReceiptIssued, ReceiptID: receipt.ReceiptID, KeyID: receipt.KeyID})

	return &httpx.Response{
		StatusCode: http.StatusCreated,
		Location:   "/api/v1/receipts/" + receipt.ReceiptID,
		Response:   newIssuedReceiptRsp(receipt),
	}, nil
}

func (h *Handlers) getReceipt(r *http.Request) (*httpx.Response, error) {
	receiptID := chi.URLParam(r, "receiptId")
	receipt, err := h.Receipts.GetReceipt(r.Context(), receiptID)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: newIssuedReceiptRsp(receipt)}, nil
}
