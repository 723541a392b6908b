package oauth

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthCore() *AuthCore {
	return NewAuthCore(Config{
		ClientID:              "https://dispatcher.example.com/client-metadata.json",
		RedirectURI:           "https://dispatcher.example.com/oauth/callback",
		AuthorizationEndpoint: "https://auth.example.com/oauth/authorize",
		TokenEndpoint:         "https://auth.example.com/oauth/token",
		IdentityEndpoint:      "https://pds.example.com/xrpc/com.atproto.server.getSession",
		Scope:                 "atproto transition:generic",
	}, nil, nil, nil)
}

func TestAuthCore_Start_ProducesValidAuthorizationURL(t *testing.T) {
	core := testAuthCore()

	redirect, err := core.Start(nil, "alice.example.com")
	require.NoError(t, err)

	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "auth.example.com", parsed.Host)

	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "alice.example.com", q.Get("login_hint"))
}

func TestAuthCore_Start_EachCallProducesUniqueState(t *testing.T) {
	core := testAuthCore()

	r1, err := core.Start(nil, "alice.example.com")
	require.NoError(t, err)
	r2, err := core.Start(nil, "alice.example.com")
	require.NoError(t, err)

	u1, _ := url.Parse(r1)
	u2, _ := url.Parse(r2)
	assert.NotEqual(t, u1.Query().Get("state"), u2.Query().Get("state"))
}

func TestAuthRequestStore_TakeIsSingleUse(t *testing.T) {
	store := newAuthRequestStore()
	store.Put("state1", "verifier1", "https://example.com/callback")

	entry, ok := store.Take("state1")
	require.True(t, ok)
	assert.Equal(t, "verifier1", entry.verifier)

	_, ok = store.Take("state1")
	assert.False(t, ok, "state should be consumed after first Take")
}

func TestAuthRequestStore_TakeUnknownStateFails(t *testing.T) {
	store := newAuthRequestStore()
	_, ok := store.Take("never-put")
	assert.False(t, ok)
}

func TestNeedsRefresh(t *testing.T) {
	soon := &AuthSession{AccessExpiry: time.Now().Add(10 * time.Second)}
	assert.True(t, NeedsRefresh(soon))

	later := &AuthSession{AccessExpiry: time.Now().Add(time.Hour)}
	assert.False(t, NeedsRefresh(later))
}

func TestNonceStore_SetAndGet(t *testing.T) {
	store := newNonceStore()
	assert.Equal(t, "", store.Get("user1", "pds.example.com"))

	store.Set("user1", "pds.example.com", "nonce-abc")
	assert.Equal(t, "nonce-abc", store.Get("user1", "pds.example.com"))
	assert.Equal(t, "", store.Get("user2", "pds.example.com"), "nonces are scoped per user+host")
}

func TestNonceStore_EmptyNonceIsNotStored(t *testing.T) {
	store := newNonceStore()
	store.Set("user1", "pds.example.com", "")
	assert.Equal(t, "", store.Get("user1", "pds.example.com"))
}
