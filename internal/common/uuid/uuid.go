// Package uuid generates the time-ordered (version 7) identifiers used for receipts,
// token ids and request ids.
package uuid

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type UUID = uuid.UUID

// NewRandom returns a UUIDv7.
func NewRandom() (UUID, error) {
	return uuid.NewV7()
}

// New returns a UUIDv7 and panics if the random source fails.
func New() UUID {
	return uuid.Must(uuid.NewV7())
}

// Parse accepts the dashed form and the 32 hex digit form.
func Parse(s string) (UUID, error) {
	return uuid.Parse(s)
}

func IsUUIDv7(id UUID) bool {
	return id.Version() == 7
}

// NewPrefixed returns prefix followed by a dashless UUIDv7, e.g. rcpt_0190f3c2....
func NewPrefixed(prefix string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return prefix + strings.ReplaceAll(id.String(), "-", ""), nil
}

// ParsePrefixed is the inverse of NewPrefixed. It fails unless id carries prefix and a
// version 7 UUID.
func ParsePrefixed(prefix, id string) (UUID, error) {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("id %q does not start with %q", id, prefix)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, err
	}
	if !IsUUIDv7(u) {
		return uuid.Nil, fmt.Errorf("id %q is not time ordered", id)
	}
	return u, nil
}

// Timestamp returns the millisecond creation time held in the top 48 bits of a UUIDv7.
func Timestamp(u UUID) time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(u[0:8]) >> 16))
}
