// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over room
// history used by the admin API.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-server/internal/domain"
)

// RoomStats returns the number of live (non-deleted) messages in room and
// the CreatedAt of the newest one. When the room has no messages, count is 0
// and lastActivity is nil.
func RoomStats(ctx context.Context, db *gorm.DB, room string) (count int64, lastActivity *time.Time, err error) {
	base := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.Message{}).Where("room = ? AND is_deleted = ?", room, false)
	}

	if err = base().Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = base().Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

// CountRooms returns the number of distinct rooms with persisted messages.
func CountRooms(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Distinct("room").
		Count(&total).Error
	return total, err
}

// ListRoomsPage returns the names of rooms with persisted messages, sorted
// by name, paginated by offset/limit.
func ListRoomsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]string, error) {
	out := []string{}
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Distinct().
		Order("room ASC").
		Offset(offset).
		Limit(limit).
		Pluck("room", &out).Error
	return out, err
}
