package oauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DPoP (Demonstrating Proof of Possession) - RFC 9449.
// Binds access tokens to a client-held key pair using per-request signed
// proofs. Only the P-256 (ES256) curve is supported; other algorithms are
// rejected by construction since GenerateDPoPKey never produces them and
// ParseJWKFromJSON callers must check KeyAlgorithm themselves.

// GenerateDPoPKey generates a new ES256 (NIST P-256) keypair. Each
// AuthSession gets its own unique DPoP key pair.
func GenerateDPoPKey() (jwk.Key, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ECDSA key: %w", err)
	}

	jwkKey, err := jwk.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("converting to JWK: %w", err)
	}

	if err := jwkKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, fmt.Errorf("setting algorithm: %w", err)
	}
	if err := jwkKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("setting key usage: %w", err)
	}

	return jwkKey, nil
}

// KeyID computes the canonical JWK thumbprint (RFC 7638) of key's public
// component, base64url-encoded with no padding. This is stable across
// serialize/deserialize and is stored as the session's DPoP key identifier.
func KeyID(key jwk.Key) (string, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return "", fmt.Errorf("getting public key: %w", err)
	}
	sum, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// NormalizeHTU reduces a request URL to scheme + host + path, stripping
// query and fragment, per the DPoP proof's "htu" claim requirement.
func NormalizeHTU(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// CreateDPoPProof creates a DPoP proof JWT for one HTTP request.
//
//   - privateKey: the DPoP private key (ES256) as JWK.
//   - method: HTTP method, will be uppercased.
//   - uri: normalized HTTP URI (scheme+host+path, no query/fragment).
//   - nonce: optional server-provided nonce.
//   - accessToken: optional access token whose hash becomes the 'ath' claim.
func CreateDPoPProof(privateKey jwk.Key, method, uri, nonce, accessToken string) (string, error) {
	pubKey, err := privateKey.PublicKey()
	if err != nil {
		return "", fmt.Errorf("getting public key: %w", err)
	}

	builder := jwt.NewBuilder().
		Claim("htm", strings.ToUpper(method)).
		Claim("htu", uri).
		Claim("iat", time.Now().Unix()).
		Claim("jti", generateJTI())

	if nonce != "" {
		builder = builder.Claim("nonce", nonce)
	}
	if accessToken != "" {
		builder = builder.Claim("ath", hashAccessToken(accessToken))
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("building JWT: %w", err)
	}

	payloadBytes, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("marshaling token: %w", err)
	}

	// RFC 9449 requires the "jwk" header to carry the public key as a JSON
	// object. jwt.Sign() overrides custom headers, so we sign with jws.Sign
	// directly against protected headers we control.
	headers := jws.NewHeaders()
	if err := headers.Set(jws.AlgorithmKey, jwa.ES256); err != nil {
		return "", fmt.Errorf("setting algorithm header: %w", err)
	}
	if err := headers.Set(jws.TypeKey, "dpop+jwt"); err != nil {
		return "", fmt.Errorf("setting type header: %w", err)
	}
	if err := headers.Set(jws.JWKKey, pubKey); err != nil {
		return "", fmt.Errorf("setting jwk header: %w", err)
	}

	signed, err := jws.Sign(payloadBytes, jws.WithKey(jwa.ES256, privateKey, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}

	return string(signed), nil
}

// generateJTI returns a fresh, unique proof identifier.
func generateJTI() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// hashAccessToken computes the 'ath' claim: base64url(SHA-256(access_token)).
func hashAccessToken(accessToken string) string {
	hash := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ParseJWKFromJSON parses a JWK from its JSON serialization.
func ParseJWKFromJSON(data []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing JWK: %w", err)
	}
	return key, nil
}

// JWKToJSON serializes a JWK to JSON.
func JWKToJSON(key jwk.Key) ([]byte, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling JWK: %w", err)
	}
	return data, nil
}
