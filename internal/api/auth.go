package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/lexigen/internal/domain"
	"github.com/ashureev/lexigen/internal/identity"
)

const (
	msgInvalidCredential = "Invalid email or password. Please try again."
	msgSignInFailed      = "Failed to sign in. Please try again later."
	msgSignUpFailed      = "Failed to create an account. The email may already be in use."

	streamRetry     = 5 * time.Second
	streamKeepAlive = 25 * time.Second
)

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type credentialResponse struct {
	User      *domain.Identity `json:"user"`
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// SignUp creates an account and signs it in.
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.auth.SignUp(r.Context(), req.Email, req.Password, req.DisplayName); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, identity.ErrEmailInUse):
			status = http.StatusConflict
		case errors.Is(err, identity.ErrInvalidEmail), errors.Is(err, identity.ErrWeakPassword):
			status = http.StatusBadRequest
		default:
			h.log.Error("Sign-up failed", "error", err)
		}
		Error(w, status, msgSignUpFailed)
		return
	}

	cred, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.log.Error("Sign-in after sign-up failed", "error", err)
		Error(w, http.StatusInternalServerError, msgSignInFailed)
		return
	}

	identity.SetSessionCookie(w, cred, h.isDev)
	JSON(w, http.StatusCreated, credentialResponse{User: cred.Identity, Token: cred.Token, ExpiresAt: cred.ExpiresAt})
}

// SignIn exchanges email and password for a session.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cred, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if errors.Is(err, identity.ErrInvalidCredential) {
		Error(w, http.StatusUnauthorized, msgInvalidCredential)
		return
	}
	if err != nil {
		h.log.Error("Sign-in failed", "error", err)
		Error(w, http.StatusInternalServerError, msgSignInFailed)
		return
	}

	identity.SetSessionCookie(w, cred, h.isDev)
	JSON(w, http.StatusOK, credentialResponse{User: cred.Identity, Token: cred.Token, ExpiresAt: cred.ExpiresAt})
}

// SignOut revokes the current session. Anonymous callers get the same answer.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	if token := identity.TokenFromContext(r.Context()); token != "" {
		if err := h.auth.SignOut(r.Context(), token); err != nil && !errors.Is(err, identity.ErrInvalidToken) {
			h.log.Error("Sign-out failed", "error", err)
			Error(w, http.StatusInternalServerError, "failed to sign out")
			return
		}
	}
	identity.ClearSessionCookie(w, h.isDev)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the signed-in identity.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	ident := identity.IdentityFromContext(r.Context())
	JSON(w, http.StatusOK, map[string]interface{}{
		"user":         ident,
		"display_name": ident.Name(),
	})
}

// Stream pushes identity changes for the caller's auth session as
// server-sent events. A null identity means the session signed out and
// ends the stream.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	principal := identity.PrincipalFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", streamRetry.Milliseconds()); err != nil {
		return
	}
	flusher.Flush()

	changes, cancel := h.auth.Watch(r.Context(), principal.AuthSessionID)
	defer cancel()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	h.log.Info("Identity stream connected", "user_id", principal.Identity.UserID)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ident, ok := <-changes:
			if !ok {
				return
			}
			data, err := json.Marshal(ident)
			if err != nil {
				h.log.Warn("failed to encode identity event", "error", err)
				return
			}
			if err := writeSSE(w, "identity", string(data)); err != nil {
				h.log.Warn("failed to write identity event", "error", err)
				return
			}
			flusher.Flush()
			if ident == nil {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
