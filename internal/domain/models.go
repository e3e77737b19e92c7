// Package domain defines the persistence models for users, sessions, room
// messages, read receipts, typing status and attachments. These types are
// mapped with GORM and form the durable data layer of the chat server.
package domain

import "time"

// User is a registered account. Username is the immutable identity key.
//
// Fields:
//   - Username: primary key (varchar(64)), NFC-normalized before storage.
//   - PasswordHash: opaque one-way hash (bcrypt by default).
//   - CreatedAt: set on registration.
//   - LastSeen: refreshed on login and on every authenticated action.
type User struct {
	Username     string    `json:"username"   gorm:"type:varchar(64);primaryKey"`
	PasswordHash []byte    `json:"-"          gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeen     time.Time `json:"last_seen"  gorm:"index"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Session is an opaque bearer credential bound to a username. A session is
// valid while now < ExpiresAt; expired rows are never swept, only ignored.
type Session struct {
	Token     string    `json:"-"          gorm:"type:char(36);primaryKey"`
	Username  string    `json:"username"   gorm:"type:varchar(64);not null;index"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// Message is a chat line posted to a room. Body holds ciphertext produced
// under the room key, so it is only meaningful together with Room.
//
// Fields:
//   - MessageID: client-generated identifier, globally unique.
//   - Room / CreatedAt: composite index used for history replay.
//   - Sender: username of the author.
//   - Body: encrypted text; retained after a soft delete.
//   - EditedAt: set by the last edit, nil if never edited.
//   - Deleted: soft-delete flag; rows are never hard-deleted.
//   - ReplyTo: optional message id; dangling references are tolerated.
type Message struct {
	MessageID string     `json:"message_id"         gorm:"column:message_id;type:varchar(128);primaryKey"`
	Room      string     `json:"room"               gorm:"type:varchar(255);not null;index:idx_room_msgs,priority:1"`
	Sender    string     `json:"sender"             gorm:"type:varchar(64);not null"`
	Body      []byte     `json:"-"                  gorm:"not null"`
	CreatedAt time.Time  `json:"created_at"         gorm:"index:idx_room_msgs,priority:2"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Deleted   bool       `json:"deleted"            gorm:"column:is_deleted;not null;default:false"`
	ReplyTo   *string    `json:"reply_to,omitempty" gorm:"type:varchar(128)"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ReadReceipt records that a user has seen a message. At most one receipt
// exists per (message, user) pair.
type ReadReceipt struct {
	ID        uint      `json:"-"          gorm:"primaryKey;autoIncrement"`
	MessageID string    `json:"message_id" gorm:"type:varchar(128);not null;uniqueIndex:ux_receipt_message_user"`
	Username  string    `json:"username"   gorm:"type:varchar(64);not null;uniqueIndex:ux_receipt_message_user"`
	ReadAt    time.Time `json:"read_at"`
}

// TableName returns the database table name for ReadReceipt.
func (ReadReceipt) TableName() string { return "read_receipts" }

// TypingStatus holds the last typing ping of a user in a room.
type TypingStatus struct {
	Room        string    `gorm:"type:varchar(255);primaryKey"`
	Username    string    `gorm:"type:varchar(64);primaryKey"`
	LastTypedAt time.Time `gorm:"not null;index"`
}

// TableName returns the database table name for TypingStatus.
func (TypingStatus) TableName() string { return "typing_status" }

// Attachment is an encrypted file announced in a room. Clients upload the
// file before the chat line carrying the same message id, so no foreign key
// to messages is declared.
type Attachment struct {
	MessageID string    `json:"message_id" gorm:"column:message_id;type:varchar(128);primaryKey"`
	Room      string    `json:"room"       gorm:"type:varchar(255);not null;index"`
	Uploader  string    `json:"uploader"   gorm:"type:varchar(64);not null"`
	Filename  string    `json:"filename"   gorm:"type:varchar(255);not null"`
	FileType  string    `json:"file_type"  gorm:"type:varchar(128)"`
	Data      []byte    `json:"-"          gorm:"not null"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Attachment.
func (Attachment) TableName() string { return "attachments" }

// All lists every model in migration order.
func All() []any {
	return []any{
		&User{},
		&Session{},
		&Message{},
		&ReadReceipt{},
		&TypingStatus{},
		&Attachment{},
	}
}
