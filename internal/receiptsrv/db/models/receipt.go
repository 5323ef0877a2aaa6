package models

import (
	"time"

	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

/*
   Column     |  Type   | Nullable
--------------+---------+----------
 receipt_id   | text    | not null
 decision     | text    | not null
 scope        | text    | not null
 scope_ref    | text    | not null
 scope_sha    | text    | not null
 issued_at    | bigint  | not null   (unix ms)
 expires_at   | bigint  | not null   (unix ms)
 redeemed_at  | bigint  |
 signature    | text    |            (base64)
 sig_alg      | text    |
 key_id       | text    |
 signed_at    | bigint  |
Indexes:
    "receipts_pkey" PRIMARY KEY (receipt_id)
*/

// Receipt is a stored permission receipt. Empty Signature, SigAlg and KeyID
// correspond to NULL columns.
type Receipt struct {
	ReceiptID  string              `db:"receipt_id"`
	Decision   rcptcommon.Decision `db:"decision"`
	Scope      string              `db:"scope"`
	ScopeRef   string              `db:"scope_ref"`
	ScopeSha   string              `db:"scope_sha"`
	IssuedAt   time.Time           `db:"issued_at"`
	ExpiresAt  time.Time           `db:"expires_at"`
	RedeemedAt *time.Time          `db:"redeemed_at"`
	Signature  string              `db:"signature"`
	SigAlg     string              `db:"sig_alg"`
	KeyID      string              `db:"key_id"`
	SignedAt   *time.Time          `db:"signed_at"`
}

// IsSigned reports whether a signature is attached.
func (r *Receipt) IsSigned() bool {
	return r.Signature != ""
}

// IsRedeemed reports whether the receipt has been consumed.
func (r *Receipt) IsRedeemed() bool {
	return r.RedeemedAt != nil
}
