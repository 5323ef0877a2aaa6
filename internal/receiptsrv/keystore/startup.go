package keystore

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/receiptsrv/config"
	"github.com/tansive/receipts/internal/receiptsrv/db"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

// NewFromConfig builds a KeyStore from the loaded configuration.
func NewFromConfig(store db.SigningKeyStore, cfg *config.ConfigParam) (*KeyStore, error) {
	priv, err := cfg.Signing.GetPrivateKey()
	if err != nil {
		return nil, err
	}
	return New(store, Options{
		Environment:          cfg.Environment,
		CacheTTL:             cfg.Keys.GetCacheTTL(),
		Passphrase:           cfg.Signing.KeyEncryptionPasswd,
		ConfiguredKeyID:      cfg.Signing.KeyID,
		ConfiguredPrivateKey: priv,
	}), nil
}

// Bootstrap registers the configured key as the active key when the environment
// has no active key yet. It does nothing otherwise.
func (ks *KeyStore) Bootstrap(ctx context.Context) error {
	if ks.opts.ConfiguredKeyID == "" || ks.opts.ConfiguredPrivateKey == nil {
		return ErrStartupCheck.Msg("bootstrap requires a configured key id and private key")
	}
	_, err := ks.GetActiveKey(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoActiveKey) {
		return err
	}
	priv := ks.opts.ConfiguredPrivateKey
	if _, err := ks.Rotate(ctx, NewKey{
		KeyID:      ks.opts.ConfiguredKeyID,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("key_id", ks.opts.ConfiguredKeyID).Msg("bootstrapped signing key")
	return nil
}

// CheckStartup verifies that the configured key id names the active key of this
// environment. With requirePrivate set, the process must also hold a private key
// matching the stored public key. Any mismatch is returned as ErrStartupCheck so
// the caller can refuse to start.
func (ks *KeyStore) CheckStartup(ctx context.Context, requirePrivate bool) error {
	expected := ks.opts.ConfiguredKeyID
	if expected == "" {
		return ErrStartupCheck.Msg("no signing key id configured")
	}
	key, err := ks.fetchKey(ctx, expected)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return ErrStartupCheck.Msg("configured signing key " + expected + " does not exist in environment " + ks.opts.Environment)
		}
		return err
	}
	if key.Status != rcptcommon.KeyStatusActive {
		return ErrStartupCheck.Msg("configured signing key " + expected + " is " + string(key.Status) + ", not active")
	}
	if ks.opts.ConfiguredPrivateKey != nil && !key.Ed25519PublicKey().Equal(ks.opts.ConfiguredPrivateKey.Public()) {
		return ErrStartupCheck.Msg("configured private key does not match stored public key of " + expected)
	}
	if requirePrivate {
		if _, err := ks.privateKeyFor(key); err != nil {
			return ErrStartupCheck.MsgErr("no usable private key for "+expected, err)
		}
	}
	log.Ctx(ctx).Info().Str("key_id", expected).Str("environment", ks.opts.Environment).Msg("signing key check passed")
	return nil
}
