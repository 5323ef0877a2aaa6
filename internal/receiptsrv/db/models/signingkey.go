package models

import (
	"crypto/ed25519"
	"time"

	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

/*
   Column     |  Type   | Nullable
--------------+---------+----------
 key_id       | text    | not null
 environment  | text    | not null
 algorithm    | text    | not null
 public_key   | bytea   | not null
 private_key  | bytea   |            (sealed, see rcptcommon.SealPrivateKey)
 status       | text    | not null
 created_at   | bigint  | not null   (unix ms)
 rotated_at   | bigint  |
 revoked_at   | bigint  |
Indexes:
    "signing_keys_pkey" PRIMARY KEY (key_id)
    "idx_signing_keys_one_active" UNIQUE (environment) WHERE status = 'active'
*/

type SigningKey struct {
	KeyID       string               `db:"key_id"`
	Environment string               `db:"environment"`
	Algorithm   string               `db:"algorithm"`
	PublicKey   []byte               `db:"public_key"`
	PrivateKey  []byte               `db:"private_key"`
	Status      rcptcommon.KeyStatus `db:"status"`
	CreatedAt   time.Time            `db:"created_at"`
	RotatedAt   *time.Time           `db:"rotated_at"`
	RevokedAt   *time.Time           `db:"revoked_at"`
}

// Ed25519PublicKey returns the public key, or nil if the stored bytes have the wrong size.
func (k *SigningKey) Ed25519PublicKey() ed25519.PublicKey {
	if len(k.PublicKey) != ed25519.PublicKeySize {
		return nil
	}
	return ed25519.PublicKey(k.PublicKey)
}

// Clone returns a deep copy so cached keys cannot be mutated by callers.
func (k *SigningKey) Clone() *SigningKey {
	if k == nil {
		return nil
	}
	cp := *k
	cp.PublicKey = append([]byte(nil), k.PublicKey...)
	if k.PrivateKey != nil {
		cp.PrivateKey = append([]byte(nil), k.PrivateKey...)
	}
	if k.RotatedAt != nil {
		t := *k.RotatedAt
		cp.RotatedAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
