package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-server/internal/domain"
)

// UpsertTyping stores now as the last typing ping of username in room.
func UpsertTyping(ctx context.Context, db *gorm.DB, room, username string, now time.Time) error {
	ts := &domain.TypingStatus{Room: room, Username: username, LastTypedAt: now.UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room"}, {Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_typed_at"}),
		}).
		Create(ts).Error
}

// GetTypingUsers returns users whose last ping in room is within window of
// now (now - last_typed_at < window). Stale rows are filtered here rather
// than evicted.
func GetTypingUsers(ctx context.Context, db *gorm.DB, room string, now time.Time, window time.Duration) ([]string, error) {
	out := []string{}
	err := db.WithContext(ctx).
		Model(&domain.TypingStatus{}).
		Where("room = ? AND last_typed_at > ?", room, now.UTC().Add(-window)).
		Order("username ASC").
		Pluck("username", &out).Error
	return out, err
}
