package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// Manager tracks sessions keyed by user and tab.
type Manager struct {
	src    IdentitySource
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. Sessions idle for longer than ttl
// are closed by the sweeper.
func NewManager(src IdentitySource, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		src:      src,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Key builds the manager key for a user's tab.
func Key(userID, tabID string) string {
	return userID + ":" + tabID
}

// Acquire returns the session for the user's tab, creating and initialising
// it if needed. A session bound to a different auth session is replaced.
func (m *Manager) Acquire(ctx context.Context, userID, authSessionID, tabID string) (*Session, error) {
	key := Key(userID, tabID)

	m.mu.Lock()
	existing, ok := m.sessions[key]
	if ok && existing.authSessionID == authSessionID && existing.Identity() != nil {
		m.mu.Unlock()
		existing.Touch()
		return existing, nil
	}
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		existing.Close()
	}

	sess := New(key, userID, authSessionID)
	sess.now = m.now
	sess.lastActive = m.now()
	if err := sess.Init(ctx, m.src); err != nil {
		sess.Close()
		return nil, fmt.Errorf("init session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if raced, ok := m.sessions[key]; ok && raced.authSessionID == authSessionID {
		sess.Close()
		return raced, nil
	}
	m.sessions[key] = sess
	m.logger.Debug("Session created", "user_id", userID, "tab", tabID)
	return sess, nil
}

// Get returns an existing session.
func (m *Manager) Get(userID, tabID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[Key(userID, tabID)]
	return s, ok
}

// Remove closes and forgets a session.
func (m *Manager) Remove(sess *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[sess.key]; ok && current == sess {
		delete(m.sessions, sess.key)
	}
	m.mu.Unlock()
	sess.Close()
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions that are idle past the TTL or signed out.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var stale []*Session
	for key, s := range m.sessions {
		if s.idleSince(cutoff) || s.Identity() == nil {
			stale = append(stale, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	return len(stale)
}

// StartSweeper runs Sweep periodically until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Session sweeper started", "interval", sweepInterval, "ttl", m.ttl)

		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Info("Session sweeper closed idle sessions", "count", n)
				}
			case <-ctx.Done():
				m.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
