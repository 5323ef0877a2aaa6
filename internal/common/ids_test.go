package common

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyId(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		env    string
		prefix string
	}{
		{name: "named environment", env: "Prod", prefix: "pp-prod-20260314-"},
		{name: "empty environment", env: "", prefix: "pp-default-20260314-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewKeyId(tt.env, now)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(id, tt.prefix), id)
			assert.Len(t, id, len(tt.prefix)+KEY_CODE_LEN)
			assert.True(t, IsValidKeyId(id))
		})
	}
}

func TestIsValidKeyId(t *testing.T) {
	assert.True(t, IsValidKeyId("key-1"))
	assert.True(t, IsValidKeyId("pp.prod_2026"))
	assert.False(t, IsValidKeyId(""))
	assert.False(t, IsValidKeyId("-leading"))
	assert.False(t, IsValidKeyId("has space"))
	assert.False(t, IsValidKeyId("slash/inside"))
	assert.False(t, IsValidKeyId(strings.Repeat("a", 129)))
}

func TestRandomCode(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{name: "Valid length", length: KEY_CODE_LEN},
		{name: "Zero length", length: 0, wantErr: true},
		{name: "Negative length", length: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := randomCode(tt.length)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.length)
			assert.Contains(t, LETTERS, string(got[0]))
			for _, c := range got {
				assert.Contains(t, CHARS, string(c))
			}
		})
	}
}

func TestSecureRandomInt(t *testing.T) {
	tests := []struct {
		name    string
		max     int
		wantErr bool
	}{
		{name: "Valid max", max: 100},
		{name: "Zero max", max: 0, wantErr: true},
		{name: "Negative max", max: -1, wantErr: true},
		{name: "Too large max", max: math.MaxInt32 + 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := secureRandomInt(tt.max)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.GreaterOrEqual(t, got, 0)
			assert.Less(t, got, tt.max)
		})
	}
}
