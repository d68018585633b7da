// Package chat serves the conversational variant of document generation over
// WebSocket. Each message is a free-form request; while a reply is pending
// further messages are answered with "busy".
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/lexigen/internal/domain"
	"github.com/ashureev/lexigen/internal/identity"
	"github.com/ashureev/lexigen/internal/pipeline"
	"github.com/ashureev/lexigen/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// Message types.
const (
	TypeMessage   = "message"
	TypeReady     = "ready"
	TypeStatus    = "status"
	TypeDocument  = "document"
	TypeError     = "error"
	TypeSignedOut = "signed_out"
)

// Error codes sent with TypeError.
const (
	ErrCodeBusy      = "busy"
	ErrCodeEmpty     = "empty"
	ErrCodeSignedOut = "signed_out"
	ErrCodeInternal  = "internal"
	ErrCodeBadFrame  = "bad_message"
)

// Inbound is a client frame.
type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Outbound is a server frame.
type Outbound struct {
	Type     string             `json:"type"`
	State    string             `json:"state,omitempty"`
	Error    string             `json:"error,omitempty"`
	History  []domain.ChatEntry `json:"history,omitempty"`
	Document *DocumentFrame     `json:"document,omitempty"`
}

// DocumentFrame is a generated reply.
type DocumentFrame struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	HTML        string `json:"html"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url,omitempty"`
	Failed      bool   `json:"failed,omitempty"`
}

// Handler upgrades requests to chat WebSockets.
type Handler struct {
	sessions      *session.Manager
	pipeline      *pipeline.Service
	allowedOrigin string
	isDev         bool
	log           *slog.Logger
}

// NewHandler creates a chat handler.
func NewHandler(sessions *session.Manager, svc *pipeline.Service, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:      sessions,
		pipeline:      svc,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		log:           logger,
	}
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(ctx context.Context, msg Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, msg)
}

// ServeHTTP implements http.Handler. The route must be behind identity.RequireUser.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := identity.PrincipalFromContext(r.Context())
	if principal == nil {
		http.Error(w, `{"error":"sign in required"}`, http.StatusUnauthorized)
		return
	}
	userID := principal.Identity.UserID
	tabID := identity.SessionIDFromContext(r.Context())

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := h.sessions.Acquire(r.Context(), userID, principal.AuthSessionID, tabID)
	if err != nil {
		h.log.Warn("Chat session unavailable", "error", err, "user_id", userID)
		http.Error(w, `{"error":"signed out"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.log.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &conn{ws: ws}

	if err := c.send(ctx, Outbound{Type: TypeReady, State: sess.State().String(), History: sess.History()}); err != nil {
		h.log.Debug("Failed to send ready frame", "error", err)
		return
	}

	go func() {
		select {
		case <-sess.SignedOut():
			if err := c.send(ctx, Outbound{Type: TypeSignedOut}); err != nil {
				h.log.Debug("Failed to send signed_out frame", "error", err)
			}
			_ = ws.Close(websocket.StatusPolicyViolation, "signed out")
			cancel()
		case <-ctx.Done():
		}
	}()

	h.log.Info("Chat connected", "user_id", userID, "session_id", tabID)
	var wg sync.WaitGroup
	h.readLoop(ctx, c, sess, &wg)
	cancel()
	wg.Wait()
	h.log.Info("Chat ended", "user_id", userID, "session_id", tabID)
}

func (h *Handler) readLoop(ctx context.Context, c *conn, sess *session.Session, wg *sync.WaitGroup) {
	for {
		var in Inbound
		if err := wsjson.Read(ctx, c.ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.log.Debug("WebSocket closed", "user_id", sess.UserID())
			} else {
				h.log.Warn("WebSocket read error", "error", err, "user_id", sess.UserID())
			}
			return
		}

		if in.Type != TypeMessage {
			if err := c.send(ctx, Outbound{Type: TypeError, Error: ErrCodeBadFrame}); err != nil {
				return
			}
			continue
		}

		// Replies run alongside the read loop so a second message can be
		// answered with "busy" while the first is pending.
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			h.reply(ctx, c, sess, text)
		}(in.Content)
	}
}

func (h *Handler) reply(ctx context.Context, c *conn, sess *session.Session, text string) {
	res, err := h.pipeline.Chat(ctx, sess, text)
	if err != nil {
		code := ErrCodeInternal
		switch {
		case errors.Is(err, session.ErrBusy):
			code = ErrCodeBusy
		case errors.Is(err, pipeline.ErrEmptyMessage):
			code = ErrCodeEmpty
		case errors.Is(err, session.ErrSignedOut), errors.Is(err, session.ErrClosed):
			code = ErrCodeSignedOut
		default:
			h.log.Error("Chat request failed", "error", err, "user_id", sess.UserID())
		}
		if sendErr := c.send(ctx, Outbound{Type: TypeError, Error: code}); sendErr != nil {
			h.log.Debug("Failed to send error frame", "error", sendErr)
		}
		return
	}

	doc := res.Document
	frame := &DocumentFrame{
		ID:       doc.ID,
		Title:    doc.Title,
		HTML:     doc.HTML,
		Filename: res.Filename,
		Failed:   res.Failed,
	}
	if doc.ID != "" {
		frame.DownloadURL = doc.DownloadURL()
	}
	if err := c.send(ctx, Outbound{Type: TypeDocument, State: session.Idle.String(), Document: frame}); err != nil {
		h.log.Debug("Failed to send document frame", "error", err)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
