// Package keystore owns signing keys and their status transitions. Reads may be
// served from memory for at most the configured cache TTL; rotations and revocations
// are written to the backing store first and then invalidate the cache.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/receiptsrv/db"
	"github.com/tansive/receipts/internal/receiptsrv/db/dberror"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

// Options configures a KeyStore.
type Options struct {
	Environment string
	// CacheTTL bounds how stale a cached key may be. Zero disables caching.
	CacheTTL time.Duration
	// Passphrase seals private keys written to the store. Without it, keys are
	// stored public-only and can sign only through ConfiguredPrivateKey.
	Passphrase string
	// ConfiguredKeyID and ConfiguredPrivateKey come from the process environment.
	ConfiguredKeyID      string
	ConfiguredPrivateKey ed25519.PrivateKey
	Now                  func() time.Time
	RetryAttempts        uint
	RetryDelay           time.Duration
}

// SigningMaterial is the private half of the active key, resolved for the signer.
type SigningMaterial struct {
	KeyID      string
	PrivateKey ed25519.PrivateKey
}

// NewKey describes a key to rotate in. PrivateKey is optional.
type NewKey struct {
	KeyID      string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

type cacheEntry struct {
	key     *models.SigningKey
	fetched time.Time
}

// KeyStore resolves signing keys for the signer and verifier.
type KeyStore struct {
	store db.SigningKeyStore
	opts  Options

	mu      sync.RWMutex
	active  *cacheEntry
	byID    map[string]cacheEntry
	private map[string]ed25519.PrivateKey
}

// New creates a KeyStore over the authoritative store.
func New(store db.SigningKeyStore, opts Options) *KeyStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.Environment == "" {
		opts.Environment = "default"
	}
	return &KeyStore{
		store:   store,
		opts:    opts,
		byID:    make(map[string]cacheEntry),
		private: make(map[string]ed25519.PrivateKey),
	}
}

// Environment returns the environment this store serves.
func (ks *KeyStore) Environment() string {
	return ks.opts.Environment
}

func (ks *KeyStore) fresh(e *cacheEntry) bool {
	return e != nil && ks.opts.CacheTTL > 0 && ks.opts.Now().Sub(e.fetched) < ks.opts.CacheTTL
}

// readRetry retries transient store failures. Lookups that resolve to a definite
// answer, such as not found, are returned immediately.
func (ks *KeyStore) readRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(ks.opts.RetryAttempts),
		retry.Delay(ks.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, dberror.ErrNotFound) && !errors.Is(err, dberror.ErrInvalidInput)
		}),
	)
}

// Invalidate drops every cached key.
func (ks *KeyStore) Invalidate() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.active = nil
	ks.byID = make(map[string]cacheEntry)
}

// GetActiveKey returns the active key of the environment.
func (ks *KeyStore) GetActiveKey(ctx context.Context) (*models.SigningKey, apperrors.Error) {
	ks.mu.RLock()
	e := ks.active
	ks.mu.RUnlock()
	if ks.fresh(e) {
		return e.key.Clone(), nil
	}

	var key *models.SigningKey
	err := ks.readRetry(ctx, func() error {
		k, err := ks.store.GetActiveSigningKey(ctx, ks.opts.Environment)
		if err != nil {
			return err
		}
		key = k
		return nil
	})
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return nil, ErrNoActiveKey
		}
		log.Ctx(ctx).Error().Err(err).Msg("unable to retrieve active signing key")
		return nil, ErrKeyStore.MsgErr("unable to retrieve active signing key", err)
	}

	ks.mu.Lock()
	ks.active = &cacheEntry{key: key, fetched: ks.opts.Now()}
	ks.mu.Unlock()
	return key.Clone(), nil
}

// GetKey returns a key of this environment by id, whatever its status.
func (ks *KeyStore) GetKey(ctx context.Context, keyID string) (*models.SigningKey, apperrors.Error) {
	ks.mu.RLock()
	e, ok := ks.byID[keyID]
	ks.mu.RUnlock()
	if ok && ks.fresh(&e) {
		return e.key.Clone(), nil
	}

	key, err := ks.fetchKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	ks.mu.Lock()
	ks.byID[keyID] = cacheEntry{key: key, fetched: ks.opts.Now()}
	ks.mu.Unlock()
	return key.Clone(), nil
}

// fetchKey reads a key from the authoritative store, bypassing the cache.
func (ks *KeyStore) fetchKey(ctx context.Context, keyID string) (*models.SigningKey, apperrors.Error) {
	var key *models.SigningKey
	err := ks.readRetry(ctx, func() error {
		k, err := ks.store.GetSigningKey(ctx, keyID)
		if err != nil {
			return err
		}
		key = k
		return nil
	})
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return nil, ErrKeyNotFound.Msg("signing key " + keyID + " not found")
		}
		log.Ctx(ctx).Error().Err(err).Str("key_id", keyID).Msg("unable to retrieve signing key")
		return nil, ErrKeyStore.MsgErr("unable to retrieve signing key", err)
	}
	if key.Environment != ks.opts.Environment {
		return nil, ErrKeyNotFound.Msg("signing key " + keyID + " not found")
	}
	return key, nil
}

// ListKeys returns every key of the environment, newest first.
func (ks *KeyStore) ListKeys(ctx context.Context) ([]*models.SigningKey, apperrors.Error) {
	var keys []*models.SigningKey
	err := ks.readRetry(ctx, func() error {
		k, err := ks.store.ListSigningKeys(ctx, ks.opts.Environment)
		if err != nil {
			return err
		}
		keys = k
		return nil
	})
	if err != nil {
		return nil, ErrKeyStore.MsgErr("unable to list signing keys", err)
	}
	return keys, nil
}

// Rotate makes newKey the active key and demotes the previous active key to rotated.
func (ks *KeyStore) Rotate(ctx context.Context, newKey NewKey) (*models.SigningKey, apperrors.Error) {
	if !common.IsValidKeyId(newKey.KeyID) {
		return nil, ErrInvalidKey.Msg("invalid key id")
	}
	if len(newKey.PublicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey.Msg("public key must be 32 bytes")
	}

	key := &models.SigningKey{
		KeyID:       newKey.KeyID,
		Environment: ks.opts.Environment,
		Algorithm:   rcptcommon.AlgorithmEd25519,
		PublicKey:   append([]byte(nil), newKey.PublicKey...),
	}
	if newKey.PrivateKey != nil {
		if len(newKey.PrivateKey) != ed25519.PrivateKeySize {
			return nil, ErrInvalidKey.Msg("private key must be 64 bytes")
		}
		if !newKey.PublicKey.Equal(newKey.PrivateKey.Public()) {
			return nil, ErrInvalidKey.Msg("private key does not match public key")
		}
		if ks.opts.Passphrase != "" {
			sealed, err := rcptcommon.SealPrivateKey(newKey.PrivateKey.Seed(), ks.opts.Passphrase, key.KeyID)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("unable to seal signing key")
				return nil, ErrKeyStore.MsgErr("unable to seal signing key", err)
			}
			key.PrivateKey = sealed
		}
	}

	if err := ks.store.RotateSigningKey(ctx, key, ks.opts.Now()); err != nil {
		if errors.Is(err, dberror.ErrAlreadyExists) {
			return nil, ErrKeyExists.Msg("signing key " + key.KeyID + " already exists")
		}
		if errors.Is(err, dberror.ErrConcurrentEdit) {
			return nil, err
		}
		return nil, ErrKeyStore.MsgErr("unable to rotate signing key", err)
	}
	ks.Invalidate()

	if newKey.PrivateKey != nil {
		ks.mu.Lock()
		ks.private[key.KeyID] = append(ed25519.PrivateKey(nil), newKey.PrivateKey...)
		ks.mu.Unlock()
	}
	log.Ctx(ctx).Info().Str("key_id", key.KeyID).Str("environment", key.Environment).Msg("signing key rotated")
	return key.Clone(), nil
}

// GenerateAndRotate creates a fresh Ed25519 key pair with a generated id and rotates it in.
func (ks *KeyStore) GenerateAndRotate(ctx context.Context) (*models.SigningKey, apperrors.Error) {
	if ks.opts.Passphrase == "" {
		return nil, ErrPrivateKeyUnavailable.Msg("key encryption passphrase is not configured")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, ErrKeyStore.MsgErr("unable to generate signing key", err)
	}
	keyID, err := common.NewKeyId(ks.opts.Environment, ks.opts.Now())
	if err != nil {
		return nil, ErrKeyStore.MsgErr("unable to generate key id", err)
	}
	return ks.Rotate(ctx, NewKey{KeyID: keyID, PublicKey: pub, PrivateKey: priv})
}

// Revoke permanently revokes a key. Revoking a revoked key succeeds without change.
func (ks *KeyStore) Revoke(ctx context.Context, keyID string) (*models.SigningKey, apperrors.Error) {
	if _, err := ks.fetchKey(ctx, keyID); err != nil {
		return nil, err
	}
	key, err := ks.store.RevokeSigningKey(ctx, keyID, ks.opts.Now())
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return nil, ErrKeyNotFound.Msg("signing key " + keyID + " not found")
		}
		return nil, ErrKeyStore.MsgErr("unable to revoke signing key", err)
	}
	ks.Invalidate()

	ks.mu.Lock()
	delete(ks.private, keyID)
	ks.mu.Unlock()
	log.Ctx(ctx).Info().Str("key_id", keyID).Msg("signing key revoked")
	return key.Clone(), nil
}

// ActiveSigningMaterial returns the active key id together with its private key.
func (ks *KeyStore) ActiveSigningMaterial(ctx context.Context) (*SigningMaterial, apperrors.Error) {
	key, err := ks.GetActiveKey(ctx)
	if err != nil {
		return nil, err
	}
	priv, err := ks.privateKeyFor(key)
	if err != nil {
		return nil, err
	}
	return &SigningMaterial{KeyID: key.KeyID, PrivateKey: priv}, nil
}

// privateKeyFor resolves the private half of key from the configured key or the sealed
// copy in the store. The result always matches key.PublicKey.
func (ks *KeyStore) privateKeyFor(key *models.SigningKey) (ed25519.PrivateKey, apperrors.Error) {
	pub := key.Ed25519PublicKey()
	if pub == nil {
		return nil, ErrInvalidKey.Msg("stored public key is malformed")
	}

	ks.mu.RLock()
	cached, ok := ks.private[key.KeyID]
	ks.mu.RUnlock()
	if ok && pub.Equal(cached.Public()) {
		return cached, nil
	}

	var priv ed25519.PrivateKey
	switch {
	case ks.opts.ConfiguredPrivateKey != nil && ks.opts.ConfiguredKeyID == key.KeyID:
		priv = ks.opts.ConfiguredPrivateKey
	case len(key.PrivateKey) > 0 && ks.opts.Passphrase != "":
		seed, err := rcptcommon.OpenPrivateKey(key.PrivateKey, ks.opts.Passphrase, key.KeyID)
		if err != nil {
			return nil, ErrPrivateKeyUnavailable.MsgErr("unable to unseal signing key", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, ErrPrivateKeyUnavailable.Msg("sealed signing key has unexpected size")
		}
		priv = ed25519.NewKeyFromSeed(seed)
	default:
		return nil, ErrPrivateKeyUnavailable
	}
	if !pub.Equal(priv.Public()) {
		return nil, ErrPrivateKeyUnavailable.Msg("private key does not match stored public key")
	}

	ks.mu.Lock()
	ks.private[key.KeyID] = priv
	ks.mu.Unlock()
	return priv, nil
}
