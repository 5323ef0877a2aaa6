package verifier

import (
	"net/http"
	"time"

	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

// Code is the machine-readable outcome of a failed verification.
type Code string

const (
	CodeNoReceipt        Code = "PP_NO_RECEIPT"
	CodeExpired          Code = "PP_EXPIRED"
	CodeRedeemed         Code = "PP_REDEEMED"
	CodeScopeMismatch    Code = "PP_SCOPE_MISMATCH"
	CodeUnsignedReceipt  Code = "PP_UNSIGNED_RECEIPT"
	CodeInvalidSignature Code = "PP_INVALID_SIGNATURE"
)

// HTTPStatus maps a verification outcome to the response status.
func (c Code) HTTPStatus() int {
	switch c {
	case "":
		return http.StatusOK
	case CodeNoReceipt:
		return http.StatusNotFound
	case CodeExpired:
		return http.StatusGone
	case CodeRedeemed:
		return http.StatusConflict
	default:
		return http.StatusForbidden
	}
}

// Request asks whether a receipt authorizes the given scope triple.
type Request struct {
	ReceiptID string `json:"receiptId" validate:"required,max=128"`
	Scope     string `json:"scope" validate:"required,max=512"`
	ScopeRef  string `json:"scopeRef" validate:"required,max=512"`
	ScopeSha  string `json:"scopeSha" validate:"required,max=512"`
	Redeem    bool   `json:"redeem"`
}

// Result is the outcome of Verify. Exactly one of Receipt (valid) or Code (invalid) is set.
type Result struct {
	Valid   bool           `json:"valid"`
	Code    Code           `json:"code,omitempty"`
	Receipt *PublicReceipt `json:"receipt,omitempty"`
}

func invalid(c Code) *Result {
	return &Result{Code: c}
}

// PublicReceipt is the externally visible view of a receipt. It carries no
// signature bytes.
type PublicReceipt struct {
	ReceiptID  string  `json:"receiptId"`
	Decision   string  `json:"decision"`
	Scope      string  `json:"scope"`
	ScopeRef   string  `json:"scopeRef"`
	ScopeSha   string  `json:"scopeSha"`
	IssuedAt   string  `json:"issuedAt"`
	ExpiresAt  string  `json:"expiresAt"`
	RedeemedAt *string `json:"redeemedAt"`
	Signed     bool    `json:"signed"`
	SigAlg     string  `json:"sigAlg,omitempty"`
	KeyID      string  `json:"keyId,omitempty"`
	SignedAt   *string `json:"signedAt,omitempty"`
}

func formatPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := rcptcommon.FormatTime(*t)
	return &s
}

// NewPublicReceipt builds the public view of r.
func NewPublicReceipt(r *models.Receipt) *PublicReceipt {
	return &PublicReceipt{
		ReceiptID:  r.ReceiptID,
		Decision:   string(r.Decision),
		Scope:      r.Scope,
		ScopeRef:   r.ScopeRef,
		ScopeSha:   r.ScopeSha,
		IssuedAt:   rcptcommon.FormatTime(r.IssuedAt),
		ExpiresAt:  rcptcommon.FormatTime(r.ExpiresAt),
		RedeemedAt: formatPtr(r.RedeemedAt),
		Signed:     r.IsSigned(),
		SigAlg:     r.SigAlg,
		KeyID:      r.KeyID,
		SignedAt:   formatPtr(r.SignedAt),
	}
}
