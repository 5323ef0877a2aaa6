// Package canonical produces the deterministic byte representation of a receipt
// that is hashed and signed. Serialization follows RFC 8785 (JCS).
package canonical

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/anand-gl/jsoncanonicalizer"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

// SignablePayload is the subset of receipt fields covered by a signature.
// Timestamps are pre-rendered with rcptcommon.TimeFormat.
type SignablePayload struct {
	Decision  string `json:"decision"`
	ExpiresAt string `json:"expiresAt"`
	IssuedAt  string `json:"issuedAt"`
	ReceiptID string `json:"receiptId"`
	Scope     string `json:"scope"`
	ScopeRef  string `json:"scopeRef"`
	ScopeSha  string `json:"scopeSha"`
}

// ErrInvalidUTF8 is returned when a signable field is not valid UTF-8. Such values
// would be replaced with U+FFFD on serialization and collide with each other.
var ErrInvalidUTF8 = errors.New("signable field is not valid UTF-8")

// Payload extracts the signable subset from a stored receipt.
func Payload(r *models.Receipt) SignablePayload {
	return SignablePayload{
		Decision:  string(r.Decision),
		ExpiresAt: rcptcommon.FormatTime(r.ExpiresAt),
		IssuedAt:  rcptcommon.FormatTime(r.IssuedAt),
		ReceiptID: r.ReceiptID,
		Scope:     r.Scope,
		ScopeRef:  r.ScopeRef,
		ScopeSha:  r.ScopeSha,
	}
}

// Validate reports the first signable field that is not valid UTF-8.
func (p SignablePayload) Validate() error {
	fields := []struct{ name, value string }{
		{"decision", p.Decision},
		{"expiresAt", p.ExpiresAt},
		{"issuedAt", p.IssuedAt},
		{"receiptId", p.ReceiptID},
		{"scope", p.Scope},
		{"scopeRef", p.ScopeRef},
		{"scopeSha", p.ScopeSha},
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return fmt.Errorf("%s: %w", f.name, ErrInvalidUTF8)
		}
	}
	return nil
}

// Canonicalize returns the JCS serialization of the payload. It fails on invalid
// UTF-8 instead of substituting replacement characters.
func Canonicalize(p SignablePayload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal signable payload: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON canonicalizes an arbitrary JSON document.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Digest returns the SHA-256 of the canonical payload. This is the message that is signed.
func Digest(p SignablePayload) ([sha256.Size]byte, error) {
	b, err := Canonicalize(p)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// ReceiptDigest is Digest(Payload(r)).
func ReceiptDigest(r *models.Receipt) ([sha256.Size]byte, error) {
	return Digest(Payload(r))
}
