// Package domain contains core domain types for the LexiGen service.
package domain

import (
	"time"
)

// User represents a registered account.
type User struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	PhotoURL     string    `json:"photo_url,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identity returns the public view of the user.
func (u *User) Identity() *Identity {
	return &Identity{
		UserID:      u.UserID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		PhotoURL:    u.PhotoURL,
	}
}

// Identity is what the rest of the service knows about a signed-in user.
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// Name returns the display name, falling back to "User".
func (i *Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return "User"
}

// AuthSession is a server-side record of an issued sign-in token.
type AuthSession struct {
	SessionID string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Active reports whether the session can still authenticate requests.
func (s *AuthSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
