package routes

import (
	"github.com/go-chi/chi/v5"

	postshandler "postdispatch/internal/api/handlers/posts"
	"postdispatch/internal/api/middleware"
)

// RegisterScheduledPostRoutes registers the scheduled-post CRUD surface,
// every route requiring an authenticated session.
func RegisterScheduledPostRoutes(r chi.Router, handler *postshandler.Handler, sessionAuth *middleware.SessionAuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(sessionAuth.RequireAuth)

		r.Post("/posts", handler.HandleCreate)
		r.Get("/posts", handler.HandleList)
		r.Get("/posts/{id}", handler.HandleGet)
		r.Put("/posts/{id}", handler.HandleUpdate)
		r.Delete("/posts/{id}", handler.HandleCancel)
	})
}
