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

const keyColumns = `key_id, environment, algorithm, public_key, private_key, status, created_at, rotated_at, revoked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSigningKey(row rowScanner) (*models.SigningKey, error) {
	var (
		key                  models.SigningKey
		status               string
		createdAt            int64
		rotatedAt, revokedAt sql.NullInt64
	)
	if err := row.Scan(&key.KeyID, &key.Environment, &key.Algorithm, &key.PublicKey, &key.PrivateKey,
		&status, &createdAt, &rotatedAt, &revokedAt); err != nil {
		return nil, err
	}
	key.Status = rcptcommon.KeyStatus(status)
	key.CreatedAt = fromMillis(createdAt)
	key.RotatedAt = timePtr(rotatedAt)
	key.RevokedAt = timePtr(revokedAt)
	return &key, nil
}

// RotateSigningKey inserts key as the active key of its environment and demotes the
// previously active key, if any, to rotated. Both happen in one transaction.
func (s *Store) RotateSigningKey(ctx context.Context, key *models.SigningKey, at time.Time) apperrors.Error {
	if key == nil || key.KeyID == "" || key.Environment == "" {
		return dberror.ErrInvalidInput.Msg("key id and environment are required")
	}

	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM signing_keys WHERE key_id = ?`), key.KeyID).Scan(&exists)
		if err == nil {
			return dberror.ErrAlreadyExists.Msg("signing key id already exists")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			log.Ctx(ctx).Error().Err(err).Msg("failed to check signing key")
			return dberror.ErrDatabase.Err(err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE signing_keys
			SET status = 'rotated', rotated_at = ?
			WHERE environment = ? AND status = 'active'`), toMillis(at), key.Environment)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to demote active signing key")
			return dberror.ErrDatabase.Err(err)
		}

		key.Status = rcptcommon.KeyStatusActive
		key.CreatedAt = at.UTC().Truncate(time.Millisecond)
		key.RotatedAt = nil
		key.RevokedAt = nil
		if key.Algorithm == "" {
			key.Algorithm = rcptcommon.AlgorithmEd25519
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO signing_keys (`+keyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)`),
			key.KeyID, key.Environment, key.Algorithm, key.PublicKey, key.PrivateKey,
			string(key.Status), toMillis(key.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return dberror.ErrConcurrentEdit.Msg("signing key rotated concurrently")
			}
			log.Ctx(ctx).Error().Err(err).Msg("failed to insert signing key")
			return dberror.ErrDatabase.Err(err)
		}
		return nil
	})
}

// RevokeSigningKey marks a key revoked. Revoking an already revoked key is a no-op.
// The resulting key is returned.
func (s *Store) RevokeSigningKey(ctx context.Context, keyID string, at time.Time) (*models.SigningKey, apperrors.Error) {
	_, errdb := s.db.ExecContext(ctx, s.rebind(`
		UPDATE signing_keys
		SET status = 'revoked', revoked_at = ?
		WHERE key_id = ? AND status <> 'revoked'`), toMillis(at), keyID)
	if errdb != nil {
		log.Ctx(ctx).Error().Err(errdb).Str("key_id", keyID).Msg("failed to revoke signing key")
		return nil, dberror.ErrDatabase.Err(errdb)
	}
	return s.GetSigningKey(ctx, keyID)
}

// GetSigningKey retrieves a signing key by its ID.
func (s *Store) GetSigningKey(ctx context.Context, keyID string) (*models.SigningKey, apperrors.Error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+keyColumns+` FROM signing_keys WHERE key_id = ?`), keyID)
	key, errdb := scanSigningKey(row)
	if errdb != nil {
		if errors.Is(errdb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("signing key not found")
		}
		log.Ctx(ctx).Error().Err(errdb).Str("key_id", keyID).Msg("failed to get signing key")
		return nil, dberror.ErrDatabase.Err(errdb)
	}
	return key, nil
}

// GetActiveSigningKey retrieves the active signing key of an environment.
func (s *Store) GetActiveSigningKey(ctx context.Context, environment string) (*models.SigningKey, apperrors.Error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+keyColumns+` FROM signing_keys
		WHERE environment = ? AND status = 'active'`), environment)
	key, errdb := scanSigningKey(row)
	if errdb != nil {
		if errors.Is(errdb, sql.ErrNoRows) {
			return nil, dberror.ErrNotFound.Msg("no active signing key found")
		}
		log.Ctx(ctx).Error().Err(errdb).Msg("failed to get active signing key")
		return nil, dberror.ErrDatabase.Err(errdb)
	}
	return key, nil
}

// ListSigningKeys returns all keys of an environment, newest first.
func (s *Store) ListSigningKeys(ctx context.Context, environment string) ([]*models.SigningKey, apperrors.Error) {
	rows, errdb := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+keyColumns+` FROM signing_keys
		WHERE environment = ?
		ORDER BY created_at DESC, key_id`), environment)
	if errdb != nil {
		log.Ctx(ctx).Error().Err(errdb).Msg("failed to list signing keys")
		return nil, dberror.ErrDatabase.Err(errdb)
	}
	defer rows.Close()

	var keys []*models.SigningKey
	for rows.Next() {
		key, err := scanSigningKey(rows)
		if err != nil {
			return nil, dberror.ErrDatabase.Err(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, dberror.ErrDatabase.Err(err)
	}
	return keys, nil
}
