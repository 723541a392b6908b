package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"postdispatch/internal/atproto/oauth"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	SessionIDKey contextKey = "session_id"
)

// SessionAuthMiddleware authenticates inbound requests against the
// session_id cookie or X-Session-ID header, resolving it to the owning
// user via TokenStore.
type SessionAuthMiddleware struct {
	store oauth.TokenStore
}

func NewSessionAuthMiddleware(store oauth.TokenStore) *SessionAuthMiddleware {
	return &SessionAuthMiddleware{store: store}
}

// RequireAuth rejects the request with 401 unless a live session is
// present, injecting the resolved user ID and session ID into context.
func (m *SessionAuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeAuthError(w, "Missing session")
			return
		}

		sess, err := m.store.Get(r.Context(), sessionID)
		if err != nil {
			slog.Warn("session lookup failed", "error", err, "path", r.URL.Path)
			writeAuthError(w, "Invalid or expired session")
			return
		}
		if !sess.IsActive || sess.RevokedAt != nil {
			writeAuthError(w, "Session revoked")
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, sess.UserID)
		ctx = context.WithValue(ctx, SessionIDKey, sess.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuth loads session identity into context when present, without
// rejecting unauthenticated requests.
func (m *SessionAuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := m.store.Get(r.Context(), sessionID)
		if err != nil || !sess.IsActive || sess.RevokedAt != nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, sess.UserID)
		ctx = context.WithValue(ctx, SessionIDKey, sess.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID extracts the authenticated user's ID from the request context.
// Returns empty string if not authenticated.
func GetUserID(r *http.Request) string {
	id, _ := r.Context().Value(UserIDKey).(string)
	return id
}

// GetSessionID extracts the resolved session ID from the request context.
func GetSessionID(r *http.Request) string {
	id, _ := r.Context().Value(SessionIDKey).(string)
	return id
}

func sessionIDFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Session-ID"); v != "" {
		return v
	}
	cookie, err := r.Cookie("session_id")
	if err != nil {
		return ""
	}
	return cookie.Value
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	response := `{"error":"UNAUTHORIZED","message":"` + message + `","code":401}`
	if _, err := w.Write([]byte(response)); err != nil {
		slog.Error("failed to write auth error response", "error", err)
	}
}
