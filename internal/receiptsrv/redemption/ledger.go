// Package redemption consumes receipts at most once.
package redemption

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/receiptsrv/db/dberror"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

var (
	ErrRedemption      apperrors.Error = apperrors.New("unable to redeem receipt").SetStatusCode(http.StatusInternalServerError).SetCode("PP_INTERNAL")
	ErrAlreadyRedeemed apperrors.Error = ErrRedemption.New("receipt already redeemed").SetStatusCode(http.StatusConflict).SetCode("PP_REDEEMED")
	ErrReceiptNotFound apperrors.Error = ErrRedemption.New("receipt not found").SetStatusCode(http.StatusNotFound).SetCode("PP_NO_RECEIPT")
)

// ConditionalStore sets redeemed_at only if it is unset, in one atomic operation.
// It reports whether this call performed the write.
type ConditionalStore interface {
	ConditionalSetRedeemed(ctx context.Context, receiptID string, at time.Time) (bool, apperrors.Error)
}

type Ledger struct {
	store ConditionalStore
}

func New(store ConditionalStore) *Ledger {
	return &Ledger{store: store}
}

// TryRedeem marks the receipt redeemed at now. Of any number of concurrent calls for
// the same receipt exactly one returns nil; the others get ErrAlreadyRedeemed.
func (l *Ledger) TryRedeem(ctx context.Context, receiptID string, now time.Time) apperrors.Error {
	won, err := l.store.ConditionalSetRedeemed(ctx, receiptID, rcptcommon.TruncateTime(now))
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return ErrReceiptNotFound
		}
		return ErrRedemption.Err(err)
	}
	if !won {
		return ErrAlreadyRedeemed
	}
	return nil
}
