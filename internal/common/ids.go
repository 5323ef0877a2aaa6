// Package common provides identifier generation shared by the receipt service and its CLI.
package common

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Constants for key ID generation
const (
	KEY_CODE_LEN = 6 // Length of the random code suffix of key IDs

	LETTERS = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	DIGITS  = "0123456789"
	CHARS   = LETTERS + DIGITS
)

var keyIdPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// secureRandomInt generates a cryptographically secure random number between 0 and max.
func secureRandomInt(max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("max must be positive, got %d", max)
	}
	if max > math.MaxInt32 {
		return 0, fmt.Errorf("max too large: %d", max)
	}

	// largest multiple of max within uint64, to avoid modulo bias
	limit := (math.MaxUint64 / uint64(max)) * uint64(max)

	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate random bytes: %w", err)
		}
		n := binary.BigEndian.Uint64(buf[:])
		if n < limit {
			return int(n % uint64(max)), nil
		}
	}
}

// NewKeyId generates a signing key identifier of the form
// pp-<environment>-<yyyymmdd>-<code>. The code starts with a letter.
func NewKeyId(environment string, now time.Time) (string, error) {
	code, err := randomCode(KEY_CODE_LEN)
	if err != nil {
		return "", fmt.Errorf("failed to generate key id: %w", err)
	}
	env := strings.ToLower(strings.TrimSpace(environment))
	if env == "" {
		env = "default"
	}
	return fmt.Sprintf("pp-%s-%s-%s", env, now.UTC().Format("20060102"), code), nil
}

// IsValidKeyId reports whether id is acceptable as a signing key identifier.
func IsValidKeyId(id string) bool {
	return keyIdPattern.MatchString(id)
}

// randomCode generates a random alphanumeric string of a given length.
// The first character is always a letter.
func randomCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive, got %d", length)
	}

	result := make([]byte, length)

	letterIdx, err := secureRandomInt(len(LETTERS))
	if err != nil {
		return "", fmt.Errorf("failed to generate first character: %w", err)
	}
	result[0] = LETTERS[letterIdx]

	for i := 1; i < length; i++ {
		idx, err := secureRandomInt(len(CHARS))
		if err != nil {
			return "", fmt.Errorf("failed to generate character at position %d: %w", i, err)
		}
		result[i] = CHARS[idx]
	}

	return string(result), nil
}
