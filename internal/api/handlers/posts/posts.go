// Package posts exposes the scheduled-post CRUD surface
// (/posts, /posts/{id}) as a thin HTTP layer over posts.Service.
package posts

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"postdispatch/internal/apierr"
	"postdispatch/internal/api/middleware"
	"postdispatch/internal/core/posts"
)

type Handler struct {
	service posts.Service
}

func NewHandler(service posts.Service) *Handler {
	return &Handler{service: service}
}

type postPayload struct {
	ID           string     `json:"id"`
	Body         string     `json:"body"`
	ScheduledAt  time.Time  `json:"scheduledAt"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ExecutedAt   *time.Time `json:"executedAt,omitempty"`
	ErrorMsg     string     `json:"errorMessage,omitempty"`
	RetryCount   int        `json:"retryCount"`
	NetworkURI   string     `json:"networkUri,omitempty"`
	ParentPostID *string    `json:"parentPostId,omitempty"`
	ThreadRootID *string    `json:"threadRootId,omitempty"`
	ThreadIndex  int        `json:"threadIndex"`
}

func toPayload(p *posts.ScheduledPost) postPayload {
	return postPayload{
		ID:           p.ID,
		Body:         p.Body,
		ScheduledAt:  p.ScheduledAt,
		Status:       string(p.Status),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
		ExecutedAt:   p.ExecutedAt,
		ErrorMsg:     p.ErrorMsg,
		RetryCount:   p.RetryCount,
		NetworkURI:   p.NetworkURI,
		ParentPostID: p.ParentPostID,
		ThreadRootID: p.ThreadRootID,
		ThreadIndex:  p.ThreadIndex,
	}
}

type createRequest struct {
	Body         string    `json:"body"`
	ScheduledAt  time.Time `json:"scheduledAt"`
	ParentPostID *string   `json:"parentPostId,omitempty"`
}

// HandleCreate is POST /posts.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		apierr.WriteError(w, apierr.New(apierr.KindUnauthorized, "not authenticated"))
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindValidation, "invalid request body"))
		return
	}

	post, err := h.service.Create(r.Context(), userID, req.Body, req.ScheduledAt, req.ParentPostID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPayload(post))
}

// HandleGet is GET /posts/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		apierr.WriteError(w, apierr.New(apierr.KindUnauthorized, "not authenticated"))
		return
	}

	id := chi.URLParam(r, "id")
	post, err := h.service.Get(r.Context(), userID, id)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPayload(post))
}

type listResponse struct {
	Posts []postPayload `json:"posts"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// HandleList is GET /posts?status=&page=&limit=.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		apierr.WriteError(w, apierr.New(apierr.KindUnauthorized, "not authenticated"))
		return
	}

	var status *posts.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := posts.Status(raw)
		status = &s
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, total, err := h.service.List(r.Context(), userID, status, page, limit)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	payloads := make([]postPayload, 0, len(list))
	for _, p := range list {
		payloads = append(payloads, toPayload(p))
	}

	writeJSON(w, http.StatusOK, listResponse{Posts: payloads, Total: total, Page: page, Limit: limit})
}

type updateRequest struct {
	Body        *string    `json:"body,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// HandleUpdate is PUT /posts/{id}.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		apierr.WriteError(w, apierr.New(apierr.KindUnauthorized, "not authenticated"))
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindValidation, "invalid request body"))
		return
	}

	id := chi.URLParam(r, "id")
	post, err := h.service.Update(r.Context(), userID, id, req.Body, req.ScheduledAt)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPayload(post))
}

// HandleCancel is DELETE /posts/{id}.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		apierr.WriteError(w, apierr.New(apierr.KindUnauthorized, "not authenticated"))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.Cancel(r.Context(), userID, id); err != nil {
		apierr.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
