package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"postdispatch/internal/apierr"
	"postdispatch/internal/atproto/identity"
	"postdispatch/internal/core/users"
)

// accessTokenSkew is how far ahead of actual expiry a caller should treat an
// access token as already expired, the margin that drives proactive refresh.
const accessTokenSkew = 30 * time.Second

// Config is the subset of process configuration AuthCore needs.
type Config struct {
	ClientID              string
	ClientSecret          string
	RedirectURI           string
	AuthorizationEndpoint string
	TokenEndpoint         string
	IdentityEndpoint      string // endpoint for resolving the current session identity
	Scope                 string
}

// AuthCore executes the OAuth 2.0 + PKCE + DPoP flow and keeps AuthSessions
// alive via proactive/reactive refresh.
type AuthCore struct {
	cfg      Config
	store    TokenStore
	users    users.Service
	identity identity.Resolver
	http     *http.Client
	requests *authRequestStore
	nonces   *nonceStore
	refresh  singleflight.Group
}

func NewAuthCore(cfg Config, store TokenStore, userService users.Service, resolver identity.Resolver) *AuthCore {
	return &AuthCore{
		cfg:      cfg,
		store:    store,
		users:    userService,
		identity: resolver,
		http:     NewSSRFSafeHTTPClient(false),
		requests: newAuthRequestStore(),
		nonces:   newNonceStore(),
	}
}

// Start begins the authorization-code flow for identifier (handle or DID),
// returning the URL the caller should redirect the browser to.
func (a *AuthCore) Start(ctx context.Context, identifier string) (string, error) {
	pkce, err := GeneratePKCEChallenge()
	if err != nil {
		return "", apierr.Wrap(apierr.KindServerError, "generating PKCE challenge", err)
	}
	state, err := GenerateState()
	if err != nil {
		return "", apierr.Wrap(apierr.KindServerError, "generating state", err)
	}

	a.requests.Put(state, pkce.Verifier, a.cfg.RedirectURI)

	q := url.Values{}
	q.Set("client_id", a.cfg.ClientID)
	q.Set("redirect_uri", a.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", a.cfg.Scope)
	q.Set("state", state)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", pkce.Method)
	q.Set("login_hint", a.loginHint(ctx, identifier))

	return a.cfg.AuthorizationEndpoint + "?" + q.Encode(), nil
}

// loginHint resolves identifier (handle or DID) to its canonical handle for
// the login_hint parameter, falling back to identifier itself when no
// resolver is configured or resolution fails - a DID is still a valid
// login_hint, just a less friendly one.
func (a *AuthCore) loginHint(ctx context.Context, identifier string) string {
	if a.identity == nil {
		return identifier
	}
	ident, err := a.identity.Resolve(ctx, identifier)
	if err != nil || ident.Handle == "" {
		return identifier
	}
	return ident.Handle
}

// CallbackResult is what Callback returns once a session has been minted.
type CallbackResult struct {
	SessionID string
	User      *users.User
}

// Callback completes the flow: validates state, exchanges the code, fetches
// identity, and persists the new session.
func (a *AuthCore) Callback(ctx context.Context, code, state string) (*CallbackResult, error) {
	pending, ok := a.requests.Take(state)
	if !ok {
		return nil, apierr.New(apierr.KindUnauthorized, "oauth state missing or expired")
	}

	dpopKey, err := GenerateDPoPKey()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "generating DPoP key", err)
	}

	tokens, err := a.doTokenRequest(ctx, dpopKey, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {pending.redirectURI},
		"client_id":     {a.cfg.ClientID},
		"code_verifier": {pending.verifier},
	}, false)
	if err != nil {
		return nil, err
	}

	did, handle, err := a.fetchIdentity(ctx, dpopKey, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	user, err := a.users.EnsureUser(ctx, did, handle)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "persisting user", err)
	}

	pub, err := dpopKey.PublicKey()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "deriving DPoP public key", err)
	}
	pubJSON, err := JWKToJSON(pub)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "serializing DPoP public key", err)
	}
	keyID, err := KeyID(dpopKey)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "computing DPoP key id", err)
	}

	sessionID, err := a.store.Put(ctx, NewSession{
		UserID:           user.ID,
		AccessToken:      tokens.AccessToken,
		RefreshToken:     tokens.RefreshToken,
		DPoPPrivateKey:   dpopKey,
		DPoPPublicKeyJWK: string(pubJSON),
		DPoPKeyID:        keyID,
		AccessExpiry:     time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second),
		RefreshExpiry:    time.Now().Add(90 * 24 * time.Hour),
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "persisting auth session", err)
	}

	return &CallbackResult{SessionID: sessionID, User: user}, nil
}

// Refresh rotates the access/refresh tokens for sessionID, single-flighted
// per session so concurrent callers share one network round trip.
func (a *AuthCore) Refresh(ctx context.Context, sessionID string) error {
	_, err, _ := a.refresh.Do(sessionID, func() (any, error) {
		return nil, a.refreshLocked(ctx, sessionID)
	})
	return err
}

func (a *AuthCore) refreshLocked(ctx context.Context, sessionID string) error {
	sess, err := a.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	tokens, err := a.doTokenRequest(ctx, sess.DPoPPrivateKey, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {sess.RefreshToken},
		"client_id":     {a.cfg.ClientID},
	}, false)
	if err != nil {
		var apiErr *apierr.Error
		if e, ok := apierr.As(err); ok {
			apiErr = e
		}
		if apiErr != nil && apiErr.Kind == apierr.KindAuthRejected {
			_ = a.store.Revoke(ctx, sessionID, "refresh_rejected")
			return apierr.Wrap(apierr.KindAuthExpired, "refresh token rejected", err)
		}
		return err
	}

	return a.store.Rotate(ctx, sessionID, tokens.AccessToken, tokens.RefreshToken, nil,
		time.Now().Add(time.Duration(tokens.ExpiresIn)*time.Second),
		sess.RefreshExpiry,
	)
}

// NeedsRefresh reports whether sess's access token is within the proactive
// refresh skew window.
func NeedsRefresh(sess *AuthSession) bool {
	return time.Until(sess.AccessExpiry) < accessTokenSkew
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// doTokenRequest posts to the token endpoint with a DPoP proof, retrying
// exactly once on a nonce challenge.
func (a *AuthCore) doTokenRequest(ctx context.Context, dpopKey jwk.Key, form url.Values, retried bool) (*tokenResponse, error) {
	nonce := a.nonces.Get("", a.cfg.TokenEndpoint)

	uri, err := NormalizeHTU(a.cfg.TokenEndpoint)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "normalizing token endpoint", err)
	}
	proof, err := CreateDPoPProof(dpopKey, http.MethodPost, uri, nonce, "")
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "minting DPoP proof", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "building token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", proof)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "token request failed", err)
	}
	defer resp.Body.Close()

	if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" {
		a.nonces.Set("", a.cfg.TokenEndpoint, newNonce)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "reading token response", err)
	}

	if resp.StatusCode == http.StatusOK {
		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, apierr.Wrap(apierr.KindServerError, "decoding token response", err)
		}
		return &tr, nil
	}

	var oauthErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &oauthErr)

	if oauthErr.Error == "use_dpop_nonce" && !retried {
		return a.doTokenRequest(ctx, dpopKey, form, true)
	}
	if oauthErr.Error == "invalid_grant" {
		return nil, apierr.New(apierr.KindAuthRejected, "refresh token rejected by network")
	}
	if resp.StatusCode >= 500 {
		return nil, apierr.New(apierr.KindTransient, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}
	return nil, apierr.New(apierr.KindPermanent, fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, oauthErr.Error))
}

type identityResponse struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// fetchIdentity calls the network's "current session identity" endpoint
// with the newly issued access token and a fresh DPoP proof.
func (a *AuthCore) fetchIdentity(ctx context.Context, dpopKey jwk.Key, accessToken string) (did, handle string, err error) {
	uri, err := NormalizeHTU(a.cfg.IdentityEndpoint)
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindServerError, "normalizing identity endpoint", err)
	}
	nonce := a.nonces.Get("", a.cfg.IdentityEndpoint)
	proof, err := CreateDPoPProof(dpopKey, http.MethodGet, uri, nonce, accessToken)
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindServerError, "minting DPoP proof", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.IdentityEndpoint, nil)
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindServerError, "building identity request", err)
	}
	req.Header.Set("Authorization", "DPoP "+accessToken)
	req.Header.Set("DPoP", proof)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindTransient, "identity request failed", err)
	}
	defer resp.Body.Close()

	if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" {
		a.nonces.Set("", a.cfg.IdentityEndpoint, newNonce)
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", apierr.New(apierr.KindOAuthError, fmt.Sprintf("identity endpoint returned %d", resp.StatusCode))
	}

	var ident identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return "", "", apierr.Wrap(apierr.KindServerError, "decoding identity response", err)
	}
	return ident.DID, ident.Handle, nil
}
