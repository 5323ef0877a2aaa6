// Package db defines the storage interfaces used by the receipt service.
// It defines two interfaces:
// - ReceiptStore: the external receipt record store the verifier reads and redeems against
// - SigningKeyStore: the authoritative store of signing keys and their status
package db

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/receiptsrv/config"
	"github.com/tansive/receipts/internal/receiptsrv/db/dbmanager"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/db/sqlstore"
)

// ReceiptStore is the record store holding permission receipts. The only mutation
// after creation is the conditional redemption write.
type ReceiptStore interface {
	CreateReceipt(ctx context.Context, r *models.Receipt) apperrors.Error
	GetReceipt(ctx context.Context, receiptID string) (*models.Receipt, apperrors.Error)
	// ConditionalSetRedeemed must set redeemed_at atomically only when it is unset.
	ConditionalSetRedeemed(ctx context.Context, receiptID string, at time.Time) (bool, apperrors.Error)
}

// SigningKeyStore persists signing keys. At most one key per environment is active.
type SigningKeyStore interface {
	RotateSigningKey(ctx context.Context, key *models.SigningKey, at time.Time) apperrors.Error
	RevokeSigningKey(ctx context.Context, keyID string, at time.Time) (*models.SigningKey, apperrors.Error)
	GetSigningKey(ctx context.Context, keyID string) (*models.SigningKey, apperrors.Error)
	GetActiveSigningKey(ctx context.Context, environment string) (*models.SigningKey, apperrors.Error)
	ListSigningKeys(ctx context.Context, environment string) ([]*models.SigningKey, apperrors.Error)
}

// Database combines both stores with lifecycle methods.
type Database interface {
	ReceiptStore
	SigningKeyStore
	Ping(ctx context.Context) error
	Close() error
}

var _ Database = (*sqlstore.Store)(nil)

// Open connects to the configured database and migrates the schema.
func Open(ctx context.Context, cfg *config.ConfigParam) (Database, error) {
	pool, err := dbmanager.Open(ctx, cfg.DB.Driver, cfg.DSN())
	if err != nil {
		return nil, err
	}
	store := sqlstore.New(pool)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	log.Ctx(ctx).Info().Str("driver", cfg.DB.Driver).Msg("database ready")
	return store, nil
}
