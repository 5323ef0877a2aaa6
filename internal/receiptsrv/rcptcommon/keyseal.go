package rcptcommon

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// Format version. The key id is bound as additional authenticated data so a sealed
	// private key cannot be moved onto another key row.
	sealFormatVersion = 0x02

	saltSize    = 16
	keySize     = 32
	nonceSize   = 12
	memory      = 64 * 1024 // 64 MB
	iterations  = 3
	parallelism = 4

	// version(1) + salt(16) + nonce(12) + min ciphertext(1)
	minBlobSize = 1 + saltSize + nonceSize + 1
)

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func deriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, iterations, memory, uint8(parallelism), keySize)
}

func validateFormat(blob []byte) error {
	if len(blob) < minBlobSize {
		return fmt.Errorf("invalid sealed key length: %d (minimum: %d)", len(blob), minBlobSize)
	}
	if blob[0] != sealFormatVersion {
		return fmt.Errorf("unsupported sealed key format version: %d", blob[0])
	}
	return nil
}

func newGCM(password, salt []byte) (cipher.AEAD, error) {
	key := deriveKey(password, salt)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesgcm, nil
}

// SealPrivateKey encrypts private key material with a passphrase using Argon2id + AES-GCM.
// The key id is authenticated but not encrypted.
// Format: [version(1B)][salt(16B)][nonce(12B)][ciphertext(N)]
func SealPrivateKey(data []byte, passphrase string, keyId string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aesgcm, err := newGCM([]byte(passphrase), salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize) // #nosec G407
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := aesgcm.Seal(nil, nonce, data, []byte(keyId))

	result := make([]byte, 0, 1+saltSize+nonceSize+len(ciphertext))
	result = append(result, sealFormatVersion)
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// OpenPrivateKey reverses SealPrivateKey. It fails if the passphrase or key id differ
// from those used at sealing time.
func OpenPrivateKey(blob []byte, passphrase string, keyId string) ([]byte, error) {
	if err := validateFormat(blob); err != nil {
		return nil, err
	}

	salt := blob[1 : 1+saltSize]
	nonce := blob[1+saltSize : 1+saltSize+nonceSize]
	ciphertext := blob[1+saltSize+nonceSize:]

	aesgcm, err := newGCM([]byte(passphrase), salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, []byte(keyId))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
