// Package identity provides sign-up, sign-in and identity observation for LexiGen users.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/lexigen/internal/domain"
	"github.com/ashureev/lexigen/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer            = "lexigen"
	minPasswordLength = 6
)

var (
	// ErrInvalidCredential means the email/password pair did not match an account.
	ErrInvalidCredential = errors.New("invalid email or password")
	// ErrEmailInUse means sign-up was attempted with a registered email.
	ErrEmailInUse = errors.New("email already in use")
	// ErrInvalidEmail means the email address could not be parsed.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrWeakPassword means the password is shorter than the minimum length.
	ErrWeakPassword = errors.New("password too short")
	// ErrInvalidToken means the token is malformed, expired or signed out.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Credential is what a successful sign-in hands back to the client.
type Credential struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
	Identity  *domain.Identity
}

// Principal is a verified token.
type Principal struct {
	Identity      *domain.Identity
	AuthSessionID string
	ExpiresAt     time.Time
}

// Provider issues and verifies sign-in tokens backed by the repository.
type Provider struct {
	repo   store.Repository
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]map[uint64]chan *domain.Identity
	nextID   uint64
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithHashCost overrides the bcrypt cost.
func WithHashCost(cost int) Option {
	return func(p *Provider) { p.cost = cost }
}

// NewProvider creates an identity provider.
func NewProvider(repo store.Repository, secret string, ttl time.Duration, logger *slog.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		repo:     repo,
		secret:   []byte(secret),
		ttl:      ttl,
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
		logger:   logger,
		watchers: make(map[string]map[uint64]chan *domain.Identity),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(email), nil
}

// SignUp creates an account. It does not sign the user in.
func (p *Provider) SignUp(ctx context.Context, email, password, displayName string) (*domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := p.now()
	user := &domain.User{
		UserID:       uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrEmailInUse
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	p.logger.Info("User signed up", "user_id", user.UserID)
	return user, nil
}

// SignIn checks the password and issues a token bound to a new auth session.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*Credential, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	user, err := p.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredential
	}

	now := p.now()
	session := &domain.AuthSession{
		SessionID: uuid.NewString(),
		UserID:    user.UserID,
		ExpiresAt: now.Add(p.ttl),
		CreatedAt: now,
	}
	if err := p.repo.CreateAuthSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create auth session: %w", err)
	}

	token, err := p.sign(session)
	if err != nil {
		return nil, err
	}

	p.logger.Info("User signed in", "user_id", user.UserID, "auth_session", session.SessionID)
	return &Credential{
		Token:     token,
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt,
		Identity:  user.Identity(),
	}, nil
}

func (p *Provider) sign(session *domain.AuthSession) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   session.UserID,
		ID:        session.SessionID,
		IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

func (p *Provider) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify resolves a token to the signed-in identity. Tokens whose auth
// session was signed out are rejected even before they expire.
func (p *Provider) Verify(ctx context.Context, token string) (*Principal, error) {
	claims, err := p.parse(token)
	if err != nil {
		return nil, err
	}

	ident, session, err := p.lookup(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if ident == nil || session.UserID != claims.Subject {
		return nil, ErrInvalidToken
	}
	return &Principal{Identity: ident, AuthSessionID: session.SessionID, ExpiresAt: session.ExpiresAt}, nil
}

// lookup returns the identity of an active auth session, or nil when the
// session is gone, expired or revoked.
func (p *Provider) lookup(ctx context.Context, sessionID string) (*domain.Identity, *domain.AuthSession, error) {
	session, err := p.repo.GetAuthSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup auth session: %w", err)
	}
	if !session.Active(p.now()) {
		return nil, session, nil
	}

	user, err := p.repo.GetUser(ctx, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, session, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup user: %w", err)
	}
	return user.Identity(), session, nil
}

// SignOut revokes the auth session behind token and tells its observers.
func (p *Provider) SignOut(ctx context.Context, token string) error {
	claims, err := p.parse(token)
	if err != nil {
		return err
	}
	if err := p.repo.RevokeAuthSession(ctx, claims.ID, p.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("revoke auth session: %w", err)
	}

	p.logger.Info("User signed out", "user_id", claims.Subject, "auth_session", claims.ID)
	p.notify(claims.ID, nil)
	return nil
}

// Watch streams the identity of an auth session: the current value first,
// then every change until cancel is called. A nil value means signed out.
// Slow readers only see the latest value.
func (p *Provider) Watch(ctx context.Context, authSessionID string) (<-chan *domain.Identity, func()) {
	ch := make(chan *domain.Identity, 1)

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	if p.watchers[authSessionID] == nil {
		p.watchers[authSessionID] = make(map[uint64]chan *domain.Identity)
	}
	p.watchers[authSessionID][id] = ch
	p.mu.Unlock()

	ident, _, err := p.lookup(ctx, authSessionID)
	if err != nil {
		p.logger.Warn("Initial identity lookup failed", "auth_session", authSessionID, "error", err)
	}
	p.deliver(authSessionID, id, ident)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if subs, ok := p.watchers[authSessionID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(p.watchers, authSessionID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (p *Provider) notify(authSessionID string, ident *domain.Identity) {
	p.mu.Lock()
	ids := make([]uint64, 0, len(p.watchers[authSessionID]))
	for id := range p.watchers[authSessionID] {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.deliver(authSessionID, id, ident)
	}
}

// deliver replaces any unread value with ident. Holding mu keeps it from
// racing with cancel closing the channel.
func (p *Provider) deliver(authSessionID string, id uint64, ident *domain.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.watchers[authSessionID][id]
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
	}
	ch <- ident
}

// CleanupLoop removes expired and revoked auth sessions every interval until ctx is done.
func (p *Provider) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.repo.CleanupExpiredAuthSessions(ctx, p.now())
			if err != nil {
				p.logger.Error("Auth session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("Removed stale auth sessions", "count", n)
			}
		}
	}
}
