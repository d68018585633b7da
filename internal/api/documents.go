package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/lexigen/internal/identity"
	"github.com/ashureev/lexigen/internal/pipeline"
	"github.com/ashureev/lexigen/internal/prompt"
	"github.com/ashureev/lexigen/internal/render"
	"github.com/ashureev/lexigen/internal/session"
	"github.com/ashureev/lexigen/internal/store"
	"github.com/go-chi/chi/v5"
)

type generateRequest struct {
	Category string             `json:"category"`
	Fields   prompt.FieldRecord `json:"fields"`
}

type documentResponse struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	HTML        string    `json:"html,omitempty"`
	Filename    string    `json:"filename"`
	DownloadURL string    `json:"download_url,omitempty"`
	Failed      bool      `json:"failed,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Generate runs the pipeline for a category form. One request per tab may
// be outstanding; a second one gets 409.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	principal := identity.PrincipalFromContext(r.Context())
	userID := principal.Identity.UserID
	tabID := identity.SessionIDFromContext(r.Context())

	var req generateRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.sessions.Acquire(r.Context(), userID, principal.AuthSessionID, tabID)
	if err != nil {
		if errors.Is(err, session.ErrSignedOut) {
			Error(w, http.StatusUnauthorized, "signed out")
			return
		}
		h.log.Error("Failed to acquire session", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	res, err := h.pipeline.GenerateInSession(r.Context(), sess, req.Category, req.Fields)
	switch {
	case errors.Is(err, pipeline.ErrUnknownCategory):
		Error(w, http.StatusBadRequest, "unknown document category")
		return
	case errors.Is(err, session.ErrBusy):
		h.log.Warn("Generation already in progress", "user_id", userID, "session_id", tabID)
		Error(w, http.StatusConflict, "request_in_progress")
		return
	case errors.Is(err, session.ErrSignedOut), errors.Is(err, session.ErrClosed):
		Error(w, http.StatusUnauthorized, "signed out")
		return
	case err != nil:
		h.log.Error("Generation failed", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "generation failed")
		return
	}

	doc := res.Document
	resp := documentResponse{
		ID:        doc.ID,
		Title:     doc.Title,
		Category:  doc.Category,
		HTML:      doc.HTML,
		Filename:  res.Filename,
		Failed:    res.Failed,
		CreatedAt: doc.CreatedAt,
	}
	if doc.ID != "" {
		resp.DownloadURL = doc.DownloadURL()
	}
	JSON(w, http.StatusOK, resp)
}

// ListDocuments returns the caller's documents, newest first.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	docs, err := h.repo.ListDocuments(r.Context(), userID)
	if err != nil {
		h.log.Error("Failed to list documents", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		cat, _ := h.categories.Lookup(d.Category)
		cat.Key = d.Category
		out = append(out, documentResponse{
			ID:          d.ID,
			Title:       d.Title,
			Category:    d.Category,
			Filename:    cat.Filename(),
			DownloadURL: d.DownloadURL(),
			CreatedAt:   d.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"documents": out})
}

// GetDocument returns one stored document.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	doc, err := h.repo.GetDocument(r.Context(), userID, id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		h.log.Error("Failed to load document", "error", err, "document_id", id)
		Error(w, http.StatusInternalServerError, "failed to load document")
		return
	}

	cat, _ := h.categories.Lookup(doc.Category)
	cat.Key = doc.Category
	JSON(w, http.StatusOK, documentResponse{
		ID:          doc.ID,
		Title:       doc.Title,
		Category:    doc.Category,
		HTML:        doc.HTML,
		Filename:    cat.Filename(),
		DownloadURL: doc.DownloadURL(),
		CreatedAt:   doc.CreatedAt,
	})
}

// DownloadPDF renders (or serves the cached) PDF of a stored document.
// Export failures answer 502 and leave the document as it was.
func (h *Handler) DownloadPDF(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if !h.pipeline.Surface().CanExport() {
		Error(w, http.StatusServiceUnavailable, "pdf_export_disabled")
		return
	}

	out, err := h.pipeline.ExportPDF(r.Context(), userID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "document not found")
		return
	case errors.Is(err, render.ErrExportFailed):
		Error(w, http.StatusBadGateway, "PDF export failed. Please try again.")
		return
	case err != nil:
		h.log.Error("Failed to export document", "error", err, "document_id", id)
		Error(w, http.StatusInternalServerError, "failed to export document")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": out.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Data); err != nil {
		h.log.Warn("failed to write PDF response", "error", err, "document_id", id)
	}
}
