// Package session holds the per-tab state of a signed-in user: the admission
// gate for generation requests, the latest generated document and the chat history.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ashureev/lexigen/internal/domain"
)

var (
	// ErrBusy is returned when a request is submitted while one is outstanding.
	ErrBusy = errors.New("a request is already in progress")
	// ErrClosed is returned by a session after Close.
	ErrClosed = errors.New("session closed")
	// ErrSignedOut is returned once the session's identity has signed out.
	ErrSignedOut = errors.New("signed out")
)

// State is the admission state of a session.
type State int

const (
	Idle State = iota
	AwaitingResponse
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingResponse:
		return "awaiting_response"
	default:
		return "unknown"
	}
}

// IdentitySource streams identity changes for an auth session.
type IdentitySource interface {
	Watch(ctx context.Context, authSessionID string) (<-chan *domain.Identity, func())
}

// Session is the explicit context object for one browser tab.
type Session struct {
	key           string
	userID        string
	authSessionID string
	now           func() time.Time

	mu         sync.Mutex
	state      State
	closed     bool
	identity   *domain.Identity
	latest     *domain.Document
	history    domain.ChatHistory
	lastActive time.Time

	cancelWatch func()
	signedOut   chan struct{}
	signOutOnce sync.Once
}

// New creates a session. Call Init before use.
func New(key, userID, authSessionID string) *Session {
	return &Session{
		key:           key,
		userID:        userID,
		authSessionID: authSessionID,
		now:           time.Now,
		lastActive:    time.Now(),
		signedOut:     make(chan struct{}),
	}
}

// Key identifies the session within a Manager.
func (s *Session) Key() string { return s.key }

// UserID is the owner of the session.
func (s *Session) UserID() string { return s.userID }

// AuthSessionID is the sign-in session this tab session is bound to.
func (s *Session) AuthSessionID() string { return s.authSessionID }

// Init subscribes to identity changes. The first value is applied before
// Init returns; a nil first value means the auth session is not active.
func (s *Session) Init(ctx context.Context, src IdentitySource) error {
	ch, cancel := src.Watch(ctx, s.authSessionID)

	var first *domain.Identity
	select {
	case first = <-ch:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	s.cancelWatch = cancel
	s.identity = first
	s.mu.Unlock()

	if first == nil {
		s.markSignedOut()
		return ErrSignedOut
	}

	go s.follow(ch)
	return nil
}

func (s *Session) follow(ch <-chan *domain.Identity) {
	for ident := range ch {
		s.mu.Lock()
		s.identity = ident
		s.mu.Unlock()
		if ident == nil {
			s.markSignedOut()
		}
	}
}

func (s *Session) markSignedOut() {
	s.signOutOnce.Do(func() { close(s.signedOut) })
}

// SignedOut is closed when the bound identity signs out.
func (s *Session) SignedOut() <-chan struct{} {
	return s.signedOut
}

// Close releases the identity subscription. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancelWatch
	s.cancelWatch = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Identity returns the current identity, or nil after sign-out.
func (s *Session) Identity() *domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// TryBegin moves the session from Idle to AwaitingResponse. It fails with
// ErrBusy if a request is already outstanding.
func (s *Session) TryBegin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrClosed
	case s.identity == nil:
		return ErrSignedOut
	case s.state == AwaitingResponse:
		return ErrBusy
	}
	s.state = AwaitingResponse
	s.lastActive = s.now()
	return nil
}

// End returns the session to Idle.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	s.lastActive = s.now()
}

// State returns the admission state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetLatest replaces the latest generated document.
func (s *Session) SetLatest(doc *domain.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = doc
}

// Latest returns the latest generated document, or nil.
func (s *Session) Latest() *domain.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// AppendChat adds an entry to the chat history.
func (s *Session) AppendChat(speaker domain.Speaker, text string) domain.ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()
	return s.history.Append(speaker, text)
}

// History returns a copy of the chat history.
func (s *Session) History() []domain.ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Entries()
}

// Touch records activity.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()
}

// idleSince reports whether the session has been idle since before cutoff.
// Sessions awaiting a response are never idle.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Idle && s.lastActive.Before(cutoff)
}
