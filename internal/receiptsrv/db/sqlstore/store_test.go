package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/receipts/internal/receiptsrv/db/dberror"
	"github.com/tansive/receipts/internal/receiptsrv/db/dbmanager"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T) (context.Context, *Store) {
	t.Helper()
	ctx := log.Logger.WithContext(context.Background())
	pool, err := dbmanager.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	s := New(pool)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })
	return ctx, s
}

func testReceipt(id string) *models.Receipt {
	return &models.Receipt{
		ReceiptID: id,
		Decision:  rcptcommon.DecisionApproved,
		Scope:     "github:merge",
		ScopeRef:  "refs/pull/16/merge",
		ScopeSha:  "abc123",
		IssuedAt:  t0,
		ExpiresAt: t0.Add(time.Hour),
	}
}

func TestReceiptCreateGet(t *testing.T) {
	ctx, s := newSQLiteStore(t)

	t.Run("unsigned receipt round trip", func(t *testing.T) {
		r := testReceipt("rcpt_unsigned")
		require.NoError(t, s.CreateReceipt(ctx, r))

		got, err := s.GetReceipt(ctx, r.ReceiptID)
		require.NoError(t, err)
		assert.Equal(t, r, got)
		assert.False(t, got.IsSigned())
		assert.False(t, got.IsRedeemed())
	})

	t.Run("signed receipt round trip", func(t *testing.T) {
		r := testReceipt("rcpt_signed")
		signedAt := t0.Add(5 * time.Millisecond)
		r.Signature = "c2lnbmF0dXJl"
		r.SigAlg = rcptcommon.AlgorithmEd25519
		r.KeyID = "k1"
		r.SignedAt = &signedAt
		require.NoError(t, s.CreateReceipt(ctx, r))

		got, err := s.GetReceipt(ctx, r.ReceiptID)
		require.NoError(t, err)
		assert.Equal(t, r, got)
		assert.True(t, got.IsSigned())
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := s.CreateReceipt(ctx, testReceipt("rcpt_signed"))
		require.Error(t, err)
		assert.ErrorIs(t, err, dberror.ErrAlreadyExists)
	})

	t.Run("missing id", func(t *testing.T) {
		err := s.CreateReceipt(ctx, testReceipt(""))
		assert.ErrorIs(t, err, dberror.ErrInvalidInput)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.GetReceipt(ctx, "rcpt_missing")
		assert.ErrorIs(t, err, dberror.ErrNotFound)
	})

	t.Run("millisecond precision preserved", func(t *testing.T) {
		r := testReceipt("rcpt_ms")
		r.ExpiresAt = t0.Add(time.Hour + 999*time.Millisecond)
		require.NoError(t, s.CreateReceipt(ctx, r))
		got, err := s.GetReceipt(ctx, r.ReceiptID)
		require.NoError(t, err)
		assert.True(t, r.ExpiresAt.Equal(got.ExpiresAt))
	})
}

func TestConditionalSetRedeemed(t *testing.T) {
	ctx, s := newSQLiteStore(t)
	require.NoError(t, s.CreateReceipt(ctx, testReceipt("rcpt_1")))

	ok, err := s.ConditionalSetRedeemed(ctx, "rcpt_1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConditionalSetRedeemed(ctx, "rcpt_1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetReceipt(ctx, "rcpt_1")
	require.NoError(t, err)
	require.NotNil(t, got.RedeemedAt)
	assert.True(t, got.RedeemedAt.Equal(t0.Add(time.Minute)), "first redemption time must stick")

	_, err = s.ConditionalSetRedeemed(ctx, "rcpt_missing", t0)
	assert.ErrorIs(t, err, dberror.ErrNotFound)
}

func TestConditionalSetRedeemedConcurrent(t *testing.T) {
	ctx, s := newSQLiteStore(t)
	require.NoError(t, s.CreateReceipt(ctx, testReceipt("rcpt_race")))

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		losses  int
		failure error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := s.ConditionalSetRedeemed(ctx, "rcpt_race", t0.Add(time.Duration(i)*time.Millisecond))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failure = err
			case ok:
				wins++
			default:
				losses++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.NoError(t, failure)
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, losses)
}

func testKey(id, env string) *models.SigningKey {
	return &models.SigningKey{
		KeyID:       id,
		Environment: env,
		PublicKey:   []byte("0123456789abcdef0123456789abcdef"),
	}
}

func TestRotateSigningKey(t *testing.T) {
	ctx, s := newSQLiteStore(t)

	_, err := s.GetActiveSigningKey(ctx, "prod")
	assert.ErrorIs(t, err, dberror.ErrNotFound)

	k1 := testKey("k1", "prod")
	require.NoError(t, s.RotateSigningKey(ctx, k1, t0))
	assert.Equal(t, rcptcommon.KeyStatusActive, k1.Status)
	assert.Equal(t, rcptcommon.AlgorithmEd25519, k1.Algorithm)

	active, err := s.GetActiveSigningKey(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "k1", active.KeyID)
	assert.Nil(t, active.PrivateKey)

	k2 := testKey("k2", "prod")
	k2.PrivateKey = []byte("sealed")
	require.NoError(t, s.RotateSigningKey(ctx, k2, t0.Add(time.Hour)))

	active, err = s.GetActiveSigningKey(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "k2", active.KeyID)
	assert.Equal(t, []byte("sealed"), active.PrivateKey)

	old, err := s.GetSigningKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, rcptcommon.KeyStatusRotated, old.Status)
	require.NotNil(t, old.RotatedAt)
	assert.True(t, old.RotatedAt.Equal(t0.Add(time.Hour)))

	t.Run("id collision", func(t *testing.T) {
		err := s.RotateSigningKey(ctx, testKey("k1", "prod"), t0.Add(2*time.Hour))
		assert.ErrorIs(t, err, dberror.ErrAlreadyExists)
		active, err := s.GetActiveSigningKey(ctx, "prod")
		require.NoError(t, err)
		assert.Equal(t, "k2", active.KeyID, "failed rotation must not demote the active key")
	})

	t.Run("environments are independent", func(t *testing.T) {
		require.NoError(t, s.RotateSigningKey(ctx, testKey("s1", "staging"), t0))
		prod, err := s.GetActiveSigningKey(ctx, "prod")
		require.NoError(t, err)
		assert.Equal(t, "k2", prod.KeyID)
	})

	t.Run("list", func(t *testing.T) {
		keys, err := s.ListSigningKeys(ctx, "prod")
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "k2", keys[0].KeyID)
		assert.Equal(t, "k1", keys[1].KeyID)
	})

	t.Run("partial unique index", func(t *testing.T) {
		_, err := s.db.ExecContext(ctx, `INSERT INTO signing_keys (key_id, environment, algorithm, public_key, status, created_at)
			VALUES ('k9', 'prod', 'ed25519', x'00', 'active', 0)`)
		require.Error(t, err)
		assert.True(t, isUniqueViolation(err))
	})
}

func TestRevokeSigningKey(t *testing.T) {
	ctx, s := newSQLiteStore(t)
	require.NoError(t, s.RotateSigningKey(ctx, testKey("k1", "prod"), t0))
	require.NoError(t, s.RotateSigningKey(ctx, testKey("k2", "prod"), t0.Add(time.Minute)))

	t.Run("rotated key", func(t *testing.T) {
		key, err := s.RevokeSigningKey(ctx, "k1", t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, rcptcommon.KeyStatusRevoked, key.Status)
		require.NotNil(t, key.RevokedAt)
	})

	t.Run("active key", func(t *testing.T) {
		key, err := s.RevokeSigningKey(ctx, "k2", t0.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, rcptcommon.KeyStatusRevoked, key.Status)
		_, err = s.GetActiveSigningKey(ctx, "prod")
		assert.ErrorIs(t, err, dberror.ErrNotFound)
	})

	t.Run("idempotent", func(t *testing.T) {
		key, err := s.RevokeSigningKey(ctx, "k2", t0.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, key.RevokedAt.Equal(t0.Add(3*time.Minute)), "revocation time must not move")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.RevokeSigningKey(ctx, "nope", t0)
		assert.ErrorIs(t, err, dberror.ErrNotFound)
	})

	t.Run("revoked key is never reactivated by rotation", func(t *testing.T) {
		require.NoError(t, s.RotateSigningKey(ctx, testKey("k3", "prod"), t0.Add(2*time.Hour)))
		k2, err := s.GetSigningKey(ctx, "k2")
		require.NoError(t, err)
		assert.Equal(t, rcptcommon.KeyStatusRevoked, k2.Status)
	})
}
