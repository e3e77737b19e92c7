package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-server/internal/domain"
)

// SaveAttachment inserts an attachment. Attachments are immutable: a second
// upload for the same message id yields ErrDuplicate.
func SaveAttachment(ctx context.Context, db *gorm.DB, a *domain.Attachment) error {
	a.CreatedAt = a.CreatedAt.UTC()
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetAttachment fetches the attachment of messageID, or ErrNotFound.
func GetAttachment(ctx context.Context, db *gorm.DB, messageID string) (*domain.Attachment, error) {
	var a domain.Attachment
	if err := db.WithContext(ctx).Where("message_id = ?", messageID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}
