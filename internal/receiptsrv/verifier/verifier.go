// Package verifier decides whether a stored receipt authorizes a scoped action.
// Checks run in a fixed order and stop at the first failure; anything that cannot
// be decided is reported as an error, never as a valid result.
package verifier

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/receiptsrv/db/dberror"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/keystore"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
	"github.com/tansive/receipts/internal/receiptsrv/redemption"
	"github.com/tansive/receipts/internal/receiptsrv/signer"
)

var (
	ErrVerify          apperrors.Error = apperrors.New("unable to verify receipt").SetStatusCode(http.StatusInternalServerError).SetCode("PP_INTERNAL")
	ErrSigningDisabled apperrors.Error = ErrVerify.New("receipt signing is disabled; verification is unavailable").SetStatusCode(http.StatusServiceUnavailable).SetCode("PP_SIGNING_DISABLED")
	ErrVerifyTimeout   apperrors.Error = ErrVerify.New("verification deadline exceeded").SetStatusCode(http.StatusGatewayTimeout).SetCode("PP_TIMEOUT")
)

type ReceiptReader interface {
	GetReceipt(ctx context.Context, receiptID string) (*models.Receipt, apperrors.Error)
}

type KeyResolver interface {
	GetKey(ctx context.Context, keyID string) (*models.SigningKey, apperrors.Error)
}

type Redeemer interface {
	TryRedeem(ctx context.Context, receiptID string, now time.Time) apperrors.Error
}

type Options struct {
	Mode rcptcommon.SigningMode
	// Timeout is the overall deadline of one Verify call. Zero means no deadline
	// beyond the caller's context.
	Timeout time.Duration
	Now     func() time.Time
}

type Verifier struct {
	receipts ReceiptReader
	keys     KeyResolver
	ledger   Redeemer
	opts     Options
}

func New(receipts ReceiptReader, keys KeyResolver, ledger Redeemer, opts Options) *Verifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mode == "" {
		opts.Mode = rcptcommon.SigningModeRequired
	}
	return &Verifier{receipts: receipts, keys: keys, ledger: ledger, opts: opts}
}

// Verify runs the ordered checks for req. A nil error always comes with a Result;
// a non-nil error means no decision was reached.
//
// A redeem that commits just before the deadline still returns ErrVerifyTimeout.
// The receipt is spent by then, so retrying the same redeem reports CodeRedeemed.
// Callers must treat a timed out redeem as consumed.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Result, apperrors.Error) {
	if v.opts.Mode == rcptcommon.SigningModeDisabled {
		return nil, ErrSigningDisabled
	}
	if v.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.opts.Timeout)
		defer cancel()
	}

	res, err := v.verify(ctx, req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrVerifyTimeout
		}
		return nil, err
	}
	if ctx.Err() != nil {
		// A decision reached after the deadline is not trusted, valid or not.
		return nil, ErrVerifyTimeout
	}

	logger := log.Ctx(ctx).With().Str("receipt_id", req.ReceiptID).Bool("redeem", req.Redeem).Logger()
	if res.Valid {
		logger.Info().Msg("receipt verified")
	} else {
		logger.Info().Str("code", string(res.Code)).Msg("receipt rejected")
	}
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, req Request) (*Result, apperrors.Error) {
	now := v.opts.Now()

	r, err := v.receipts.GetReceipt(ctx, req.ReceiptID)
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return invalid(CodeNoReceipt), nil
		}
		return nil, ErrVerify.Err(err)
	}

	if now.After(r.ExpiresAt) {
		return invalid(CodeExpired), nil
	}

	if r.IsRedeemed() {
		return invalid(CodeRedeemed), nil
	}

	if r.Scope != req.Scope || r.ScopeRef != req.ScopeRef || r.ScopeSha != req.ScopeSha {
		return invalid(CodeScopeMismatch), nil
	}

	if !r.IsSigned() {
		// Only APPROVED receipts are ever signed, so an unsigned receipt of any other
		// decision never authorizes anything.
		if v.opts.Mode == rcptcommon.SigningModeRequired || r.Decision != rcptcommon.DecisionApproved {
			return invalid(CodeUnsignedReceipt), nil
		}
	} else {
		code, err := v.checkSignature(ctx, r)
		if err != nil {
			return nil, err
		}
		if code != "" {
			return invalid(code), nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, ErrVerifyTimeout
	}

	if req.Redeem {
		if err := v.ledger.TryRedeem(ctx, r.ReceiptID, now); err != nil {
			switch {
			case errors.Is(err, redemption.ErrAlreadyRedeemed):
				return invalid(CodeRedeemed), nil
			case errors.Is(err, redemption.ErrReceiptNotFound):
				return invalid(CodeNoReceipt), nil
			}
			return nil, ErrVerify.Err(err)
		}
		redeemedAt := rcptcommon.TruncateTime(now)
		r.RedeemedAt = &redeemedAt
	}

	return &Result{Valid: true, Receipt: NewPublicReceipt(r)}, nil
}

// checkSignature returns CodeInvalidSignature unless r carries a valid signature by a
// known, unrevoked key of this environment.
func (v *Verifier) checkSignature(ctx context.Context, r *models.Receipt) (Code, apperrors.Error) {
	if r.Decision != rcptcommon.DecisionApproved || r.KeyID == "" {
		return CodeInvalidSignature, nil
	}
	key, err := v.keys.GetKey(ctx, r.KeyID)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return CodeInvalidSignature, nil
		}
		return "", ErrVerify.Err(err)
	}
	if key.Status == rcptcommon.KeyStatusRevoked {
		return CodeInvalidSignature, nil
	}
	if signer.Verify(key.Ed25519PublicKey(), r) != nil {
		return CodeInvalidSignature, nil
	}
	return "", nil
}
