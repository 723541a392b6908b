package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateEncryptionSecret() []byte {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	return secret
}

func TestEncrypt_RoundTrip(t *testing.T) {
	key, err := DeriveKey(generateEncryptionSecret())
	require.NoError(t, err)

	plaintext := []byte("my-access-token")
	token, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err, "token should be valid base64url")

	decrypted, err := Decrypt(key, token)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_TamperedTokenDetected(t *testing.T) {
	key, err := DeriveKey(generateEncryptionSecret())
	require.NoError(t, err)

	token, err := Encrypt(key, []byte("secret"))
	require.NoError(t, err)

	tampered := token[:len(token)-5] + "XXXX" + token[len(token)-1:]

	_, err = Decrypt(key, tampered)
	assert.Error(t, err)
}

func TestDecrypt_InvalidTokenFormats(t *testing.T) {
	key, err := DeriveKey(generateEncryptionSecret())
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"invalid base64", "not-valid-base64!@#$"},
		{"too short", base64.RawURLEncoding.EncodeToString([]byte("short"))},
		{"random bytes", base64.RawURLEncoding.EncodeToString(make([]byte, 50))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(key, tt.token)
			assert.Error(t, err)
		})
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	key1, err := DeriveKey(generateEncryptionSecret())
	require.NoError(t, err)
	key2, err := DeriveKey(generateEncryptionSecret())
	require.NoError(t, err)

	token, err := Encrypt(key1, []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt(key2, token)
	assert.Error(t, err)
}

func TestDeriveKey_RejectsShortSecret(t *testing.T) {
	_, err := DeriveKey([]byte("too-short"))
	assert.Error(t, err)
}

func TestEncrypt_UniquenessPerCall(t *testing.T) {
	key, err := DeriveKey(generateEncryptionSecret())
	require.NoError(t, err)

	plaintext := []byte("my-refresh-token")
	token1, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	token2, err := Encrypt(key, plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, token1, token2, "ciphertexts should differ due to fresh nonces")

	d1, err := Decrypt(key, token1)
	require.NoError(t, err)
	d2, err := Decrypt(key, token2)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestEncrypt_LongPlaintext(t *testing.T) {
	key, err := DeriveKey(generateEncryptionSecret())
	require.NoError(t, err)

	plaintext := []byte(strings.Repeat("a", 4096))
	token, err := Encrypt(key, plaintext)
	require.NoError(t, err)

	decrypted, err := Decrypt(key, token)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_URLSafeEncoding(t *testing.T) {
	key, err := DeriveKey(generateEncryptionSecret())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		token, err := Encrypt(key, []byte("payload"))
		require.NoError(t, err)
		assert.NotContains(t, token, "+")
		assert.NotContains(t, token, "/")
		assert.NotContains(t, token, "=")
	}
}

func TestEncrypt_ConcurrentAccess(t *testing.T) {
	key, err := DeriveKey(generateEncryptionSecret())
	require.NoError(t, err)

	plaintext := []byte("concurrent-token")
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				token, err := Encrypt(key, plaintext)
				require.NoError(t, err)
				decrypted, err := Decrypt(key, token)
				require.NoError(t, err)
				assert.Equal(t, plaintext, decrypted)
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
