// Package xrpc is the single place every outbound call to the network's
// HTTP API passes through: it loads the caller's session, attaches DPoP,
// passes through rate admission, and classifies the response into the
// apierr kind vocabulary the rest of the system understands.
package xrpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"postdispatch/internal/apierr"
	"postdispatch/internal/atproto/oauth"
)

// RateGate is the admission-control contract NetworkClient depends on.
// Satisfied by internal/ratelimit.Gate.
type RateGate interface {
	WouldExceed(class string, n int) bool
	Record(class string, n int) (int, error)
}

// Refresher is the subset of AuthCore.Refresh NetworkClient needs, kept
// narrow so tests can stub it without a real AuthCore.
type Refresher interface {
	Refresh(ctx context.Context, sessionID string) error
}

const apiRateClass = "api"

// Response is a decoded network response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client implements the per-request DPoP attach/retry/classify contract.
type Client struct {
	store   oauth.TokenStore
	refresh Refresher
	rate    RateGate
	http    *http.Client

	mu     sync.Mutex
	nonces map[string]string // (userID|host) -> last DPoP-Nonce
}

func NewClient(store oauth.TokenStore, refresh Refresher, rate RateGate) *Client {
	return &Client{
		store:   store,
		refresh: refresh,
		rate:    rate,
		http:    &http.Client{Timeout: 30 * time.Second},
		nonces:  make(map[string]string),
	}
}

// Do sends one request on behalf of userID, handling session load, proactive
// refresh, rate admission, DPoP proof, nonce retry, and reactive refresh —
// the full per-call flow.
func (c *Client) Do(ctx context.Context, userID, method, endpoint string, body []byte) (*Response, error) {
	sess, err := c.store.GetMostRecentActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	if oauth.NeedsRefresh(sess) {
		if err := c.refresh.Refresh(ctx, sess.ID); err != nil {
			return nil, err
		}
		sess, err = c.store.GetMostRecentActive(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	if c.rate.WouldExceed(apiRateClass, 1) {
		return nil, apierr.New(apierr.KindRateLimitExceeded, "API rate limit would be exceeded")
	}
	if _, err := c.rate.Record(apiRateClass, 1); err != nil {
		return nil, err
	}

	return c.doWithRetries(ctx, sess.ID, userID, sess.DPoPPrivateKey, sess.AccessToken, method, endpoint, body, 0)
}

func (c *Client) doWithRetries(ctx context.Context, sessionID, userID string, dpopKey jwk.Key, accessToken, method, endpoint string, body []byte, attempt int) (*Response, error) {
	host := hostOf(endpoint)
	uri, err := oauth.NormalizeHTU(endpoint)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "normalizing request URL", err)
	}

	nonce := c.getNonce(userID, host)
	proof, err := oauth.CreateDPoPProof(dpopKey, method, uri, nonce, accessToken)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "minting DPoP proof", err)
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServerError, "building request", err)
	}
	req.Header.Set("Authorization", "DPoP "+accessToken)
	req.Header.Set("DPoP", proof)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "network request failed", err)
	}
	defer resp.Body.Close()

	if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" {
		c.setNonce(userID, host, newNonce)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "reading response body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil

	case resp.StatusCode == http.StatusUnauthorized && isNonceChallenge(respBody) && attempt == 0:
		newNonce := resp.Header.Get("DPoP-Nonce")
		if newNonce == "" {
			return nil, apierr.New(apierr.KindAuthNonce, "nonce challenge without a new nonce")
		}
		return c.doWithRetries(ctx, sessionID, userID, dpopKey, accessToken, method, endpoint, body, attempt+1)

	case resp.StatusCode == http.StatusUnauthorized && isNonceChallenge(respBody):
		return nil, apierr.New(apierr.KindAuthNonce, "repeated nonce challenge")

	case resp.StatusCode == http.StatusUnauthorized && attempt == 0:
		if err := c.refresh.Refresh(ctx, sessionID); err != nil {
			return nil, err
		}
		sess, err := c.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return c.doWithRetries(ctx, sessionID, userID, sess.DPoPPrivateKey, sess.AccessToken, method, endpoint, body, attempt+1)

	case resp.StatusCode == http.StatusUnauthorized:
		_ = c.store.Revoke(ctx, sessionID, "auth_expired")
		return nil, apierr.New(apierr.KindAuthExpired, "session rejected after refresh retry")

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apierr.New(apierr.KindRateLimited, "network returned 429").WithDetails(string(respBody))

	case resp.StatusCode >= 500:
		return nil, apierr.New(apierr.KindTransient, fmt.Sprintf("network returned %d", resp.StatusCode))

	default:
		return nil, apierr.New(apierr.KindPermanent, fmt.Sprintf("network returned %d", resp.StatusCode)).WithDetails(string(respBody))
	}
}

func (c *Client) getNonce(userID, host string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[userID+"|"+host]
}

func (c *Client) setNonce(userID, host, nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[userID+"|"+host] = nonce
}

func hostOf(rawURL string) string {
	for i := 0; i < len(rawURL); i++ {
		if rawURL[i] == '/' && i > 0 && rawURL[i-1] == '/' {
			rest := rawURL[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == '/' {
					return rest[:j]
				}
			}
			return rest
		}
	}
	return rawURL
}

// isNonceChallenge reports whether body is an OAuth/XRPC error response
// indicating the server wants a fresh DPoP nonce.
func isNonceChallenge(body []byte) bool {
	return bytes.Contains(body, []byte("use_dpop_nonce"))
}
