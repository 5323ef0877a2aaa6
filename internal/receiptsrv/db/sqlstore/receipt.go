package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/receiptsrv/db/dberror"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

const receiptColumns = `receipt_id, decision, scope, scope_ref, scope_sha, issued_at, expires_at,
	redeemed_at, signature, sig_alg, key_id, signed_at`

// CreateReceipt inserts a new receipt. Receipt ids are never reused.
func (s *Store) CreateReceipt(ctx context.Context, r *models.Receipt) apperrors.Error {
	if r == nil || r.ReceiptID == "" {
		return dberror.ErrInvalidInput.Msg("receipt id is required")
	}
	query := s.rebind(`
		INSERT INTO receipts (` + receiptColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, errdb := s.db.ExecContext(ctx, query,
		r.ReceiptID, string(r.Decision), r.Scope, r.ScopeRef, r.ScopeSha,
		toMillis(r.IssuedAt), toMillis(r.ExpiresAt), nullMillis(r.RedeemedAt),
		nullString(r.Signature), nullString(r.SigAlg), nullString(r.KeyID), nullMillis(r.SignedAt))
	if errdb != nil {
		if isUniqueViolation(errdb) {
			return dberror.ErrAlreadyExists.Msg("receipt already exists")
		}
		log.Ctx(ctx).Error().Err(errdb).Str("receipt_id", r.ReceiptID).Msg("failed to create receipt")
		return dberror.ErrDatabase.Err(errdb)
	}
	return nil
}

// GetReceipt loads a receipt by id.
func (s *Store) GetReceipt(ctx context.Context, receiptID string) (*models.Receipt, apperrors.Error) {
	query := s.rebind(`SELECT ` + receiptColumns + ` FROM receipts WHERE receipt_id = ?`)

	var (
		r                 models.Receipt
		decision          string
		issuedAt, expires int64
		redeemedAt        sql.NullInt64
		signedAt          sql.NullInt64
		signature, sigAlg sql.NullString
		keyID             sql.NullString
	)
	row := s.db.QueryRowContext(ctx, query, receiptID)
	errdb := row.Scan(&r.ReceiptID, &decision, &r.Scope, &r.ScopeRef, &r.ScopeSha,
		&issuedAt, &expires, &redeemedAt, &signature, &sigAlg, &keyID, &signedAt)
	if errdb != nil {
		if errors.Is(errdb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("receipt not found")
		}
		log.Ctx(ctx).Error().Err(errdb).Str("receipt_id", receiptID).Msg("failed to get receipt")
		return nil, dberror.ErrDatabase.Err(errdb)
	}
	r.Decision = rcptcommon.Decision(decision)
	r.IssuedAt = fromMillis(issuedAt)
	r.ExpiresAt = fromMillis(expires)
	r.RedeemedAt = timePtr(redeemedAt)
	r.SignedAt = timePtr(signedAt)
	r.Signature = signature.String
	r.SigAlg = sigAlg.String
	r.KeyID = keyID.String
	return &r, nil
}

// ConditionalSetRedeemed sets redeemed_at only if it is still NULL. It reports
// whether this call performed the transition. A missing receipt yields ErrNotFound.
func (s *Store) ConditionalSetRedeemed(ctx context.Context, receiptID string, at time.Time) (bool, apperrors.Error) {
	query := s.rebind(`UPDATE receipts SET redeemed_at = ? WHERE receipt_id = ? AND redeemed_at IS NULL`)

	res, errdb := s.db.ExecContext(ctx, query, toMillis(at), receiptID)
	if errdb != nil {
		log.Ctx(ctx).Error().Err(errdb).Str("receipt_id", receiptID).Msg("failed to redeem receipt")
		return false, dberror.ErrDatabase.Err(errdb)
	}
	n, errdb := res.RowsAffected()
	if errdb != nil {
		return false, dberror.ErrDatabase.Err(errdb)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	errdb = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM receipts WHERE receipt_id = ?`), receiptID).Scan(&exists)
	if errdb != nil {
		if errors.Is(errdb, sql.ErrNoRows) {
			return false, dberror.ErrNotFound.Msg("receipt not found")
		}
		return false, dberror.ErrDatabase.Err(errdb)
	}
	return false, nil
}
