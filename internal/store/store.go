// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/lexigen/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist or is not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key (user email) is already taken.
	ErrDuplicate = errors.New("duplicate record")
)

// Repository defines the interface for persisting users, sign-in sessions and documents.
type Repository interface {
	// CreateUser inserts a new account. Returns ErrDuplicate if the email is taken.
	CreateUser(ctx context.Context, user *domain.User) error

	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// GetUserByEmail retrieves a user by email, case-insensitively.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// CreateAuthSession records an issued sign-in token.
	CreateAuthSession(ctx context.Context, session *domain.AuthSession) error

	// GetAuthSession retrieves a sign-in session by ID.
	GetAuthSession(ctx context.Context, sessionID string) (*domain.AuthSession, error)

	// RevokeAuthSession marks a sign-in session as signed out.
	RevokeAuthSession(ctx context.Context, sessionID string, at time.Time) error

	// CleanupExpiredAuthSessions removes sessions that expired or were revoked before now.
	CleanupExpiredAuthSessions(ctx context.Context, now time.Time) (int64, error)

	// CreateDocument stores a generated document.
	CreateDocument(ctx context.Context, doc *domain.Document) error

	// GetDocument retrieves one document owned by userID.
	GetDocument(ctx context.Context, userID, documentID string) (*domain.Document, error)

	// ListDocuments returns the user's documents, newest first, without bodies.
	ListDocuments(ctx context.Context, userID string) ([]*domain.Document, error)

	// SetDocumentPDF caches the rendered PDF for a document.
	SetDocumentPDF(ctx context.Context, userID, documentID string, pdf []byte) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
