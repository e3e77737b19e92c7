package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-server/internal/domain"
)

// MarkRead records that username has read messageID. Repeated marks are
// silently ignored.
func MarkRead(ctx context.Context, db *gorm.DB, messageID, username string, now time.Time) error {
	r := &domain.ReadReceipt{
		MessageID: messageID,
		Username:  username,
		ReadAt:    now.UTC(),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(r).Error
}

// GetReadReceipts returns the usernames that have read messageID, in the
// order they read it.
func GetReadReceipts(ctx context.Context, db *gorm.DB, messageID string) ([]string, error) {
	out := []string{}
	err := db.WithContext(ctx).
		Model(&domain.ReadReceipt{}).
		Where("message_id = ?", messageID).
		Order("read_at ASC, username ASC").
		Pluck("username", &out).Error
	return out, err
}
