// Package signer produces and checks Ed25519 signatures over the canonical digest
// of a receipt.
package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/receiptsrv/canonical"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/keystore"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

var (
	ErrSigning          apperrors.Error = apperrors.New("unable to sign receipt").SetStatusCode(http.StatusInternalServerError).SetCode("PP_INTERNAL")
	ErrNotSignable      apperrors.Error = ErrSigning.New("only APPROVED receipts are signed").SetStatusCode(http.StatusBadRequest).SetCode("PP_BAD_REQUEST")
	ErrInvalidSignature apperrors.Error = apperrors.New("invalid signature").SetStatusCode(http.StatusForbidden).SetCode("PP_INVALID_SIGNATURE")
)

// KeySource supplies the active private key.
type KeySource interface {
	ActiveSigningMaterial(ctx context.Context) (*keystore.SigningMaterial, apperrors.Error)
}

// Signature is what gets attached to a receipt.
type Signature struct {
	Signature string
	KeyID     string
	Algorithm string
	SignedAt  time.Time
}

// Attach copies the signature fields onto r.
func (s *Signature) Attach(r *models.Receipt) {
	signedAt := s.SignedAt
	r.Signature = s.Signature
	r.KeyID = s.KeyID
	r.SigAlg = s.Algorithm
	r.SignedAt = &signedAt
}

type Signer struct {
	keys KeySource
	now  func() time.Time
}

func New(keys KeySource) *Signer {
	return &Signer{keys: keys, now: time.Now}
}

// WithClock replaces the clock used for SignedAt.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign signs the canonical digest of r with the active key. It does not modify r.
func (s *Signer) Sign(ctx context.Context, r *models.Receipt) (*Signature, apperrors.Error) {
	if r == nil {
		return nil, ErrSigning.Msg("nil receipt")
	}
	if r.Decision != rcptcommon.DecisionApproved {
		return nil, ErrNotSignable
	}
	material, aerr := s.keys.ActiveSigningMaterial(ctx)
	if aerr != nil {
		return nil, aerr
	}
	digest, err := canonical.ReceiptDigest(r)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("receipt_id", r.ReceiptID).Msg("unable to canonicalize receipt")
		return nil, ErrSigning.MsgErr("unable to canonicalize receipt", err)
	}
	sig := ed25519.Sign(material.PrivateKey, digest[:])
	return &Signature{
		Signature: base64.StdEncoding.EncodeToString(sig),
		KeyID:     material.KeyID,
		Algorithm: rcptcommon.AlgorithmEd25519,
		SignedAt:  rcptcommon.TruncateTime(s.now()),
	}, nil
}

// Verify checks the stored signature of r against pub, recomputing the digest from
// the receipt's own fields.
func Verify(pub ed25519.PublicKey, r *models.Receipt) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidSignature.Msg("malformed public key")
	}
	if r.SigAlg != "" && r.SigAlg != rcptcommon.AlgorithmEd25519 {
		return ErrInvalidSignature.Msg("unsupported signature algorithm " + r.SigAlg)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature.Msg("malformed signature")
	}
	digest, err := canonical.ReceiptDigest(r)
	if err != nil {
		return ErrInvalidSignature.MsgErr("unable to canonicalize receipt", err)
	}
	if !ed25519.Verify(pub, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}
