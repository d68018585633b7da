package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/lexigen/internal/domain"
	"github.com/ashureev/lexigen/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets document reads proceed while a PDF blob is being written.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE COLLATE NOCASE,
		display_name TEXT NOT NULL DEFAULT '',
		photo_url TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		expires_at INTEGER NOT NULL,
		revoked_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_auth_sessions_expires ON auth_sessions(expires_at);

	CREATE TABLE IF NOT EXISTS documents (
		document_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		html TEXT NOT NULL,
		pdf BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_user_created ON documents(user_id, created_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateUser inserts a new account.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, email, display_name, photo_url, password_hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	return withRetry(ctx, "create user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Email, user.DisplayName, user.PhotoURL, user.PasswordHash,
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if shared.IsSQLiteUniqueError(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
}

const userColumns = `user_id, email, display_name, photo_url, password_hash, created_at, updated_at`

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID, &user.Email, &user.DisplayName, &user.PhotoURL,
		&user.PasswordHash, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// CreateAuthSession records an issued sign-in token.
func (s *SQLiteStore) CreateAuthSession(ctx context.Context, session *domain.AuthSession) error {
	query := `
	INSERT INTO auth_sessions (session_id, user_id, expires_at, revoked_at, created_at)
	VALUES (?, ?, ?, NULL, ?)`

	return withRetry(ctx, "create auth session", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			session.SessionID, session.UserID,
			session.ExpiresAt.Unix(), session.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert auth session: %w", err)
		}
		return nil
	})
}

// GetAuthSession retrieves a sign-in session by ID.
func (s *SQLiteStore) GetAuthSession(ctx context.Context, sessionID string) (*domain.AuthSession, error) {
	query := `
		SELECT session_id, user_id, expires_at, revoked_at, created_at
		FROM auth_sessions WHERE session_id = ?`

	var session domain.AuthSession
	var expiresAt, createdAt int64
	var revokedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.SessionID, &session.UserID, &expiresAt, &revokedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan auth session: %w", err)
	}

	session.ExpiresAt = time.Unix(expiresAt, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	if revokedAt.Valid {
		ts := time.Unix(revokedAt.Int64, 0)
		session.RevokedAt = &ts
	}
	return &session, nil
}

// RevokeAuthSession marks a sign-in session as signed out.
// Revoking an already revoked session keeps the original timestamp.
func (s *SQLiteStore) RevokeAuthSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE auth_sessions SET revoked_at = COALESCE(revoked_at, ?) WHERE session_id = ?`

	return withRetry(ctx, "revoke auth session", func() error {
		result, err := s.db.ExecContext(ctx, query, at.Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("revoke auth session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CleanupExpiredAuthSessions removes sessions that expired or were revoked before now.
func (s *SQLiteStore) CleanupExpiredAuthSessions(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM auth_sessions WHERE expires_at < ? OR revoked_at < ?`

	var deleted int64
	err := withRetry(ctx, "cleanup auth sessions", func() error {
		result, err := s.db.ExecContext(ctx, query, now.Unix(), now.Unix())
		if err != nil {
			return fmt.Errorf("cleanup auth sessions: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// CreateDocument stores a generated document.
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *domain.Document) error {
	query := `
	INSERT INTO documents (document_id, user_id, title, category, html, pdf, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	var pdf interface{}
	if len(doc.PDF) > 0 {
		pdf = doc.PDF
	}

	return withRetry(ctx, "create document", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			doc.ID, doc.UserID, doc.Title, doc.Category, doc.HTML, pdf,
			doc.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		return nil
	})
}

// GetDocument retrieves one document owned by userID.
func (s *SQLiteStore) GetDocument(ctx context.Context, userID, documentID string) (*domain.Document, error) {
	query := `
		SELECT document_id, user_id, title, category, html, pdf, created_at
		FROM documents WHERE document_id = ? AND user_id = ?`

	var doc domain.Document
	var createdAt int64

	err := s.db.QueryRowContext(ctx, query, documentID, userID).Scan(
		&doc.ID, &doc.UserID, &doc.Title, &doc.Category, &doc.HTML, &doc.PDF, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}

	doc.CreatedAt = time.UnixMilli(createdAt)
	return &doc, nil
}

// ListDocuments returns the user's documents, newest first, without bodies.
func (s *SQLiteStore) ListDocuments(ctx context.Context, userID string) ([]*domain.Document, error) {
	query := `
		SELECT document_id, user_id, title, category, created_at
		FROM documents WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close document rows", "error", closeErr)
		}
	}()

	docs := make([]*domain.Document, 0)
	for rows.Next() {
		var doc domain.Document
		var createdAt int64
		if err := rows.Scan(&doc.ID, &doc.UserID, &doc.Title, &doc.Category, &createdAt); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		doc.CreatedAt = time.UnixMilli(createdAt)
		docs = append(docs, &doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// SetDocumentPDF caches the rendered PDF for a document.
func (s *SQLiteStore) SetDocumentPDF(ctx context.Context, userID, documentID string, pdf []byte) error {
	query := `UPDATE documents SET pdf = ? WHERE document_id = ? AND user_id = ?`

	return withRetry(ctx, "set document pdf", func() error {
		result, err := s.db.ExecContext(ctx, query, pdf, documentID, userID)
		if err != nil {
			return fmt.Errorf("update document pdf: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("SetDocumentPDF affected 0 rows", "user_id", userID, "document_id", documentID)
			return ErrNotFound
		}
		return nil
	})
}
