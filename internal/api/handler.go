// Package api provides HTTP handlers for the LexiGen API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/lexigen/internal/category"
	"github.com/ashureev/lexigen/internal/identity"
	"github.com/ashureev/lexigen/internal/middleware"
	"github.com/ashureev/lexigen/internal/pipeline"
	"github.com/ashureev/lexigen/internal/session"
	"github.com/ashureev/lexigen/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 1 << 20

// Deps are the collaborators a Handler needs.
type Deps struct {
	Repo       store.Repository
	Auth       *identity.Provider
	Sessions   *session.Manager
	Pipeline   *pipeline.Service
	Categories *category.Registry
	Limiter    *middleware.RateLimiter
	IsDev      bool
	Logger     *slog.Logger
}

// Handler serves the JSON API.
type Handler struct {
	repo       store.Repository
	auth       *identity.Provider
	sessions   *session.Manager
	pipeline   *pipeline.Service
	categories *category.Registry
	limiter    *middleware.RateLimiter
	isDev      bool
	log        *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:       d.Repo,
		auth:       d.Auth,
		sessions:   d.Sessions,
		pipeline:   d.Pipeline,
		categories: d.Categories,
		limiter:    d.Limiter,
		isDev:      d.IsDev,
		log:        logger,
	}
}

// RegisterRoutes registers the API routes. The identity middleware must
// already be installed on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/categories", h.ListCategories)

		r.Route("/auth", func(r chi.Router) {
			r.With(h.limit(ipKey)).Post("/signup", h.SignUp)
			r.With(h.limit(ipKey)).Post("/signin", h.SignIn)
			r.Post("/signout", h.SignOut)
			r.With(identity.RequireUser).Get("/me", h.Me)
			r.With(identity.RequireUser).Get("/stream", h.Stream)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Use(identity.RequireUser)
			r.With(h.limit(userKey)).Post("/generate", h.Generate)
			r.Get("/", h.ListDocuments)
			r.Get("/{id}", h.GetDocument)
			r.Get("/{id}/pdf", h.DownloadPDF)
		})
	})
}

func (h *Handler) limit(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.limiter.Limit(keyFn)
}

// userKey buckets by user only, so rotating tab session IDs does not bypass the limit.
func userKey(r *http.Request) string {
	if id := identity.UserIDFromContext(r.Context()); id != "" {
		return "user:" + id
	}
	return ""
}

func ipKey(r *http.Request) string {
	return "ip:" + identity.IPFromRequest(r)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// GetConfig returns feature flags for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	surface := h.pipeline.Surface()
	JSON(w, http.StatusOK, map[string]interface{}{
		"sanitize_preview":   surface.Sanitizing(),
		"pdf_export_enabled": surface.CanExport(),
	})
}

// ListCategories returns the document categories with their advisory fields.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"categories": h.categories.List(),
	})
}
