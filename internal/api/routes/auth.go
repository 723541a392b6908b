package routes

import (
	"github.com/go-chi/chi/v5"

	authhandler "postdispatch/internal/api/handlers/auth"
	"postdispatch/internal/api/middleware"
)

// RegisterAuthRoutes registers the browser-facing authentication endpoints
// with dedicated per-IP rate limiting: stricter limits on login/callback/
// logout guard against credential stuffing and state exhaustion.
func RegisterAuthRoutes(r chi.Router, handler *authhandler.Handler, sessionAuth *middleware.SessionAuthMiddleware, limiter *middleware.RateLimiter) {
	r.With(limiter.Middleware).Get("/auth/login", handler.HandleLogin)
	r.With(limiter.Middleware).Post("/auth/callback", handler.HandleCallback)
	r.With(limiter.Middleware).Post("/auth/logout", handler.HandleLogout)

	r.With(sessionAuth.RequireAuth).Get("/auth/profile", handler.HandleProfile)
}
