package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// AEAD token-at-rest encryption (spec'd cipher contract: AES-256-GCM, a
// fresh nonce per encryption, stored form holds nonce, ciphertext, and
// auth tag so all three are unambiguously recoverable). Generalized from
// a single sealed-cookie value into an independent Encrypt/Decrypt pair
// usable on any plaintext field (access token, refresh token, DPoP
// private key JWK).

const minEncryptionKeyLen = 32

// DeriveKey turns a configured secret of arbitrary length into a 32-byte
// AES-256 key via a one-way hash. Process startup must reject a secret
// shorter than minEncryptionKeyLen before ever calling this.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) < minEncryptionKeyLen {
		return nil, fmt.Errorf("encryption secret must be at least %d bytes, got %d", minEncryptionKeyLen, len(secret))
	}
	sum := sha256.Sum256(secret)
	return sum[:], nil
}

// Encrypt seals plaintext under key with a fresh random nonce, returning
// base64url(nonce || ciphertext || tag). The nonce is never reused because
// crypto/rand produces a fresh one on every call.
func Encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A decryption failure (bad key, truncated or
// tampered ciphertext) is always treated as a CRYPTO_FAILURE by callers,
// never retried.
func Decrypt(key []byte, token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token encoding: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}
