package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/keystore"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

type staticKeys struct {
	material *keystore.SigningMaterial
	err      apperrors.Error
}

func (s staticKeys) ActiveSigningMaterial(context.Context) (*keystore.SigningMaterial, apperrors.Error) {
	return s.material, s.err
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func approved() *models.Receipt {
	return &models.Receipt{
		ReceiptID: "rcpt_1",
		Decision:  rcptcommon.DecisionApproved,
		Scope:     "github:merge",
		ScopeRef:  "refs/pull/16/merge",
		ScopeSha:  "abc123",
		IssuedAt:  t0,
		ExpiresAt: t0.Add(time.Hour),
	}
}

func newSigner(t *testing.T) (*Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s := New(staticKeys{material: &keystore.SigningMaterial{KeyID: "k1", PrivateKey: priv}}).
		WithClock(func() time.Time { return t0.Add(1500 * time.Microsecond) })
	return s, pub
}

func TestSignRoundTrip(t *testing.T) {
	s, pub := newSigner(t)
	r := approved()

	sig, err := s.Sign(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "k1", sig.KeyID)
	assert.Equal(t, rcptcommon.AlgorithmEd25519, sig.Algorithm)
	assert.Equal(t, t0.Add(time.Millisecond), sig.SignedAt)
	raw, decErr := base64.StdEncoding.DecodeString(sig.Signature)
	require.NoError(t, decErr)
	assert.Len(t, raw, ed25519.SignatureSize)
	assert.Empty(t, r.Signature, "Sign must not modify the receipt")

	sig.Attach(r)
	assert.NoError(t, Verify(pub, r))

	// Fields outside the signable subset do not affect the signature.
	redeemed := t0.Add(time.Minute)
	r.RedeemedAt = &redeemed
	assert.NoError(t, Verify(pub, r))
}

func TestTamperDetection(t *testing.T) {
	s, pub := newSigner(t)

	mutations := map[string]func(r *models.Receipt){
		"receiptId": func(r *models.Receipt) { r.ReceiptID = "rcpt_2" },
		"decision":  func(r *models.Receipt) { r.Decision = rcptcommon.DecisionDenied },
		"scope":     func(r *models.Receipt) { r.Scope = "github:deploy" },
		"scopeRef":  func(r *models.Receipt) { r.ScopeRef = "refs/pull/16/head" },
		"scopeSha":  func(r *models.Receipt) { r.ScopeSha = "abc124" },
		"issuedAt":  func(r *models.Receipt) { r.IssuedAt = r.IssuedAt.Add(time.Millisecond) },
		"expiresAt": func(r *models.Receipt) { r.ExpiresAt = r.ExpiresAt.Add(time.Millisecond) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := approved()
			sig, err := s.Sign(context.Background(), r)
			require.NoError(t, err)
			sig.Attach(r)
			mutate(r)
			assert.ErrorIs(t, Verify(pub, r), ErrInvalidSignature)
		})
	}
}

func TestVerifyRejects(t *testing.T) {
	s, pub := newSigner(t)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signed := func() *models.Receipt {
		r := approved()
		sig, err := s.Sign(context.Background(), r)
		require.NoError(t, err)
		sig.Attach(r)
		return r
	}

	t.Run("wrong key", func(t *testing.T) {
		assert.ErrorIs(t, Verify(otherPub, signed()), ErrInvalidSignature)
	})
	t.Run("malformed public key", func(t *testing.T) {
		assert.ErrorIs(t, Verify(pub[:10], signed()), ErrInvalidSignature)
	})
	t.Run("not base64", func(t *testing.T) {
		r := signed()
		r.Signature = "%%%"
		assert.ErrorIs(t, Verify(pub, r), ErrInvalidSignature)
	})
	t.Run("truncated signature", func(t *testing.T) {
		r := signed()
		r.Signature = r.Signature[:20]
		assert.ErrorIs(t, Verify(pub, r), ErrInvalidSignature)
	})
	t.Run("unknown algorithm", func(t *testing.T) {
		r := signed()
		r.SigAlg = "rsa"
		assert.ErrorIs(t, Verify(pub, r), ErrInvalidSignature)
	})
}

func TestSignErrors(t *testing.T) {
	s, _ := newSigner(t)

	denied := approved()
	denied.Decision = rcptcommon.DecisionDenied
	_, err := s.Sign(context.Background(), denied)
	assert.ErrorIs(t, err, ErrNotSignable)

	noKey := New(staticKeys{err: keystore.ErrNoActiveKey})
	_, err = noKey.Sign(context.Background(), approved())
	assert.ErrorIs(t, err, keystore.ErrNoActiveKey)
}
