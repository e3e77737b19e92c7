// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for users and
// their sessions.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - Missing rows surface as ErrNotFound (gorm.ErrRecordNotFound).
//   - Expired sessions are indistinguishable from absent ones.
//   - A duplicate username is not an error: CreateUser reports false.
//
// Functions:
//
//   - CreateUser(ctx, db, username, hash, now) -> (created bool, error)
//   - GetUser(ctx, db, username) -> *domain.User, error
//   - TouchLastSeen(ctx, db, username, now) -> error
//   - CreateSession(ctx, db, token, username, now, ttl) -> *domain.Session, error
//   - ValidateSession(ctx, db, token, now) -> username, error
//   - DeleteSession(ctx, db, token) -> error
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-server/internal/domain"
)

// CreateUser inserts a user row. It returns false with a nil error when the
// username is already taken; uniqueness is an expected outcome, not a fault.
func CreateUser(ctx context.Context, db *gorm.DB, username string, hash []byte, now time.Time) (bool, error) {
	now = now.UTC()
	u := &domain.User{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    now,
		LastSeen:     now,
	}
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetUser fetches a user by username, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, username string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// TouchLastSeen refreshes the user's last-seen timestamp.
func TouchLastSeen(ctx context.Context, db *gorm.DB, username string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.User{}).
		Where("username = ?", username).
		Update("last_seen", now.UTC()).Error
}

// CreateSession stores a session token for username valid for ttl from now.
func CreateSession(ctx context.Context, db *gorm.DB, token, username string, now time.Time, ttl time.Duration) (*domain.Session, error) {
	now = now.UTC()
	s := &domain.Session{
		Token:     token,
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// ValidateSession returns the owner of token if now < expires_at.
// Absent and expired tokens both yield ErrNotFound.
func ValidateSession(ctx context.Context, db *gorm.DB, token string, now time.Time) (string, error) {
	if token == "" {
		return "", ErrNotFound
	}
	var s domain.Session
	err := db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", token, now.UTC()).
		First(&s).Error
	if err != nil {
		return "", err
	}
	return s.Username, nil
}

// DeleteSession revokes a session. Deleting an unknown token is a no-op.
func DeleteSession(ctx context.Context, db *gorm.DB, token string) error {
	return db.WithContext(ctx).Where("token = ?", token).Delete(&domain.Session{}).Error
}
