// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for room messages.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-server/internal/domain"
)

// SaveMessage inserts a message with an already-encrypted body.
// A colliding message id yields ErrDuplicate; the existing row is untouched.
func SaveMessage(ctx context.Context, db *gorm.DB, room, sender string, body []byte, messageID string, replyTo *string, now time.Time) (*domain.Message, error) {
	m := &domain.Message{
		MessageID: messageID,
		Room:      room,
		Sender:    sender,
		Body:      body,
		CreatedAt: now.UTC(),
		ReplyTo:   replyTo,
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return m, nil
}

// FetchRoomHistory returns the most recent limit non-deleted messages of a
// room, ordered oldest first (CreatedAt ASC, MessageID ASC).
func FetchRoomHistory(ctx context.Context, db *gorm.DB, room string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("room = ? AND is_deleted = ?", room, false).
		Order("created_at DESC, message_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	// newest-first -> oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetMessage fetches a message by id, including soft-deleted rows.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("message_id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// EditMessage overwrites the encrypted body of a live message and stamps
// edited_at. Missing or deleted messages yield ErrNotFound.
func EditMessage(ctx context.Context, db *gorm.DB, id string, body []byte, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("message_id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{"body": body, "edited_at": now.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage sets the soft-delete flag. The ciphertext is retained.
// Missing or already-deleted messages yield ErrNotFound.
func DeleteMessage(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("message_id = ? AND is_deleted = ?", id, false).
		Update("is_deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearRoom soft-deletes every live message of a room and returns how many
// rows were flagged.
func ClearRoom(ctx context.Context, db *gorm.DB, room string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("room = ? AND is_deleted = ?", room, false).
		Update("is_deleted", true)
	return res.RowsAffected, res.Error
}
