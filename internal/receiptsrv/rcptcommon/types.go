// Package rcptcommon holds types and helpers shared across the receipt service packages.
package rcptcommon

import (
	"strings"
	"time"
)

// Decision is the policy engine outcome recorded on a receipt.
type Decision string

const (
	DecisionApproved         Decision = "APPROVED"
	DecisionDenied           Decision = "DENIED"
	DecisionRequiresApproval Decision = "REQUIRES_APPROVAL"
)

// IsValid reports whether d is one of the known decisions.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionApproved, DecisionDenied, DecisionRequiresApproval:
		return true
	}
	return false
}

// SigningMode controls whether receipts are signed at issuance and how unsigned
// receipts are treated at verification.
type SigningMode string

const (
	SigningModeRequired SigningMode = "required"
	SigningModeOptional SigningMode = "optional"
	SigningModeDisabled SigningMode = "disabled"
)

// ParseSigningMode parses a mode name case-insensitively.
func ParseSigningMode(s string) (SigningMode, bool) {
	switch m := SigningMode(strings.ToLower(strings.TrimSpace(s))); m {
	case SigningModeRequired, SigningModeOptional, SigningModeDisabled:
		return m, true
	}
	return "", false
}

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRotated KeyStatus = "rotated"
	KeyStatusRevoked KeyStatus = "revoked"
)

// IsValid reports whether s is one of the known key states.
func (s KeyStatus) IsValid() bool {
	switch s {
	case KeyStatusActive, KeyStatusRotated, KeyStatusRevoked:
		return true
	}
	return false
}

// AlgorithmEd25519 is the only signature algorithm the service produces.
const AlgorithmEd25519 = "ed25519"

// ReceiptIdPrefix prefixes every generated receipt identifier.
const ReceiptIdPrefix = "rcpt_"

// TimeFormat is the fixed millisecond RFC 3339 layout used for every timestamp
// that participates in a signature or leaves the service.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// TruncateTime drops precision below one millisecond and normalizes to UTC.
func TruncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
