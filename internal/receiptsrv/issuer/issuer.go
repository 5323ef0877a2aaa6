// Package issuer creates receipts for decisions handed over by the policy engine and
// enforces the signing mode at creation time.
package issuer

import (
	"context"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/common/uuid"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/keystore"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
	"github.com/tansive/receipts/internal/receiptsrv/signer"
)

var (
	ErrIssue          apperrors.Error = apperrors.New("unable to issue receipt").SetStatusCode(http.StatusInternalServerError).SetCode("PP_INTERNAL")
	ErrInvalidRequest apperrors.Error = ErrIssue.New("invalid issue request").SetStatusCode(http.StatusBadRequest).SetCode("PP_BAD_REQUEST")
	ErrSigningFailed  apperrors.Error = ErrIssue.New("receipt could not be signed").SetStatusCode(http.StatusServiceUnavailable).SetCode("PP_SIGNING_FAILED")
)

type ReceiptWriter interface {
	CreateReceipt(ctx context.Context, r *models.Receipt) apperrors.Error
}

type Signer interface {
	Sign(ctx context.Context, r *models.Receipt) (*signer.Signature, apperrors.Error)
}

// IssueRequest carries a decision from the policy engine.
type IssueRequest struct {
	Decision rcptcommon.Decision
	Scope    string
	ScopeRef string
	ScopeSha string
	// TTL overrides the configured receipt lifetime when positive.
	TTL time.Duration
}

type Options struct {
	Mode rcptcommon.SigningMode
	TTL  time.Duration
	Now  func() time.Time
}

type Issuer struct {
	store  ReceiptWriter
	signer Signer
	opts   Options
}

func New(store ReceiptWriter, s Signer, opts Options) *Issuer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Mode == "" {
		opts.Mode = rcptcommon.SigningModeRequired
	}
	return &Issuer{store: store, signer: s, opts: opts}
}

// Issue builds, signs per the signing mode, and persists a receipt.
//
// In required mode an APPROVED receipt that cannot be signed is not created. In
// optional mode it is persisted unsigned when no signing key is usable. Receipts of
// other decisions are never signed.
func (is *Issuer) Issue(ctx context.Context, req IssueRequest) (*models.Receipt, apperrors.Error) {
	if !req.Decision.IsValid() {
		return nil, ErrInvalidRequest.Msg("unknown decision " + string(req.Decision))
	}
	if req.Scope == "" || req.ScopeRef == "" || req.ScopeSha == "" {
		return nil, ErrInvalidRequest.Msg("scope, scopeRef and scopeSha are required")
	}
	for _, v := range []string{req.Scope, req.ScopeRef, req.ScopeSha} {
		if !utf8.ValidString(v) {
			return nil, ErrInvalidRequest.Msg("scope, scopeRef and scopeSha must be valid UTF-8")
		}
	}

	id, err := uuid.NewPrefixed(rcptcommon.ReceiptIdPrefix)
	if err != nil {
		return nil, ErrIssue.MsgErr("unable to generate receipt id", err)
	}
	ttl := is.opts.TTL
	if req.TTL > 0 {
		ttl = req.TTL
	}
	issuedAt := rcptcommon.TruncateTime(is.opts.Now())
	r := &models.Receipt{
		ReceiptID: id,
		Decision:  req.Decision,
		Scope:     req.Scope,
		ScopeRef:  req.ScopeRef,
		ScopeSha:  req.ScopeSha,
		IssuedAt:  issuedAt,
		ExpiresAt: rcptcommon.TruncateTime(issuedAt.Add(ttl)),
	}

	if r.Decision == rcptcommon.DecisionApproved && is.opts.Mode != rcptcommon.SigningModeDisabled {
		sig, aerr := is.signer.Sign(ctx, r)
		switch {
		case aerr == nil:
			sig.Attach(r)
		case is.opts.Mode == rcptcommon.SigningModeOptional && unavailable(aerr):
			log.Ctx(ctx).Warn().Err(aerr).Str("receipt_id", r.ReceiptID).Msg("no usable signing key; issuing unsigned receipt")
		default:
			log.Ctx(ctx).Error().Err(aerr).Str("receipt_id", r.ReceiptID).Msg("receipt signing failed")
			return nil, ErrSigningFailed.Err(aerr)
		}
	}

	if aerr := is.store.CreateReceipt(ctx, r); aerr != nil {
		return nil, ErrIssue.Err(aerr)
	}
	log.Ctx(ctx).Info().
		Str("receipt_id", r.ReceiptID).
		Str("decision", string(r.Decision)).
		Bool("signed", r.IsSigned()).
		Msg("receipt issued")
	return r, nil
}

// unavailable reports whether err means there is no key to sign with, as opposed to
// a failure while signing.
func unavailable(err error) bool {
	return errors.Is(err, keystore.ErrNoActiveKey) || errors.Is(err, keystore.ErrPrivateKeyUnavailable)
}
