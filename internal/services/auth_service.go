// Package services – AuthService
//
// This file implements AuthService, the session authority of the chat
// server. It validates and normalizes credentials, delegates password
// hashing to a PasswordHasher, creates accounts, and issues, validates and
// revokes opaque session tokens bound to a username and an expiry.
//
// Login failures never reveal whether the username exists: unknown users
// and wrong passwords produce the same message, and unknown users still pay
// for one hash comparison.
//
// Observability: public methods are OpenTelemetry-instrumented with the
// username as a span attribute (never the password or token).
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-server/internal/repo"
)

const (
	minUsernameRunes = 3
	maxUsernameRunes = 64
	minPasswordLen   = 6
	maxPasswordLen   = 72 // bcrypt input limit, in bytes

	msgBadCredentials = "Invalid username or password"
	msgBadSession     = "Invalid session"
)

// PasswordHasher hashes and verifies passwords. Implementations must be
// one-way and salted.
type PasswordHasher interface {
	Hash(password string) ([]byte, error)
	Compare(hash []byte, password string) error
}

// BcryptHasher is the default PasswordHasher.
type BcryptHasher struct {
	Cost int
}

// Hash implements PasswordHasher.
func (h BcryptHasher) Hash(password string) ([]byte, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// Compare implements PasswordHasher.
func (BcryptHasher) Compare(hash []byte, password string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(password))
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Username  string
	Token     string
	ExpiresAt time.Time
}

// AuthService issues and validates sessions.
type AuthService struct {
	DB         *gorm.DB
	Hasher     PasswordHasher
	SessionTTL time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// NewAuthService constructs an AuthService using bcrypt at cost.
func NewAuthService(db *gorm.DB, cost int, ttl time.Duration) *AuthService {
	return &AuthService{
		DB:         db,
		Hasher:     BcryptHasher{Cost: cost},
		SessionTTL: ttl,
	}
}

func (s *AuthService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *AuthService) ttl() time.Duration {
	if s.SessionTTL > 0 {
		return s.SessionTTL
	}
	return 24 * time.Hour
}

// Register validates credentials, creates the account and issues a session.
// Registration authenticates the caller.
func (s *AuthService) Register(ctx context.Context, username, password string) (*AuthResult, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Register")
	defer span.End()

	username, err := s.createAccount(ctx, username, password)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.name", username))
	return s.issue(ctx, username)
}

// CreateAccount creates a user without issuing a session. Used by the
// offline account tool.
func (s *AuthService) CreateAccount(ctx context.Context, username, password string) (string, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "CreateAccount")
	defer span.End()

	return s.createAccount(ctx, username, password)
}

func (s *AuthService) createAccount(ctx context.Context, username, password string) (string, error) {
	username = NormalizeUsername(username)
	if err := ValidateCredentials(username, password); err != nil {
		return "", err
	}
	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return "", err
	}
	created, err := repo.CreateUser(ctx, s.DB, username, hash, s.now())
	if err != nil {
		return "", err
	}
	if !created {
		return "", newErr(ErrConflict, "Username already exists")
	}
	return username, nil
}

// Login verifies credentials, refreshes last-seen and issues a new session.
func (s *AuthService) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	username = NormalizeUsername(username)

	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Login",
		trace.WithAttributes(attribute.String("user.name", username)),
	)
	defer span.End()

	u, err := repo.GetUser(ctx, s.DB, username)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		// equalize timing with the wrong-password path
		_ = s.Hasher.Compare(s.dummy(), password)
		return nil, newErr(ErrUnauthorized, msgBadCredentials)
	}
	if err := s.Hasher.Compare(u.PasswordHash, password); err != nil {
		return nil, newErr(ErrUnauthorized, msgBadCredentials)
	}

	if err := repo.TouchLastSeen(ctx, s.DB, username, s.now()); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("touch last_seen failed")
	}
	return s.issue(ctx, username)
}

// Authenticate resolves a session token to its username and refreshes the
// user's last-seen. Expired and unknown tokens are both Unauthorized.
func (s *AuthService) Authenticate(ctx context.Context, token string) (string, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Authenticate")
	defer span.End()

	now := s.now()
	username, err := repo.ValidateSession(ctx, s.DB, token, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", newErr(ErrUnauthorized, msgBadSession)
		}
		return "", err
	}
	span.SetAttributes(attribute.String("user.name", username))

	if err := repo.TouchLastSeen(ctx, s.DB, username, now); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("touch last_seen failed")
	}
	return username, nil
}

// Logout revokes token.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Logout")
	defer span.End()

	return repo.DeleteSession(ctx, s.DB, token)
}

func (s *AuthService) issue(ctx context.Context, username string) (*AuthResult, error) {
	sess, err := repo.CreateSession(ctx, s.DB, uuid.NewString(), username, s.now(), s.ttl())
	if err != nil {
		return nil, err
	}
	return &AuthResult{Username: username, Token: sess.Token, ExpiresAt: sess.ExpiresAt}, nil
}

func (s *AuthService) dummy() []byte {
	s.dummyOnce.Do(func() {
		h, err := s.Hasher.Hash("not-a-real-password")
		if err != nil {
			h = []byte{}
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// NormalizeUsername trims surrounding space and applies Unicode NFC so that
// visually identical names map to the same account.
func NormalizeUsername(username string) string {
	return norm.NFC.String(strings.TrimSpace(username))
}

// ValidateCredentials checks username and password rules: usernames are
// 3 to 64 letters, digits, '_' or '-'; passwords are 6 to 72 bytes.
func ValidateCredentials(username, password string) error {
	n := utf8.RuneCountInString(username)
	if n < minUsernameRunes {
		return newErr(ErrValidation, "Username must be at least 3 characters")
	}
	if n > maxUsernameRunes {
		return newErr(ErrValidation, "Username must be at most 64 characters")
	}
	for _, r := range username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return newErr(ErrValidation, "Username may only contain letters, digits, '_' and '-'")
		}
	}
	if len(password) < minPasswordLen {
		return newErr(ErrValidation, "Password must be at least 6 characters")
	}
	if len(password) > maxPasswordLen {
		return newErr(ErrValidation, "Password must be at most 72 bytes")
	}
	return nil
}
