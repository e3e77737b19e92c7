// Package services – MessageService
//
// This file implements MessageService, which owns the lifecycle of room
// messages: it validates chat text, encrypts bodies under the room key
// before they are persisted, replays decrypted history, applies edits and
// soft deletes, and maintains read receipts and typing status.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// carry the room and message id where applicable, never message text.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-server/internal/repo"
)

const maxMessageIDLen = 128

// Cipher encrypts and decrypts bytes under a room's key.
type Cipher interface {
	Encrypt(room string, plaintext []byte) ([]byte, error)
	Decrypt(room string, ciphertext []byte) ([]byte, error)
}

// Line is a decrypted message as shown to clients.
type Line struct {
	MessageID string
	Room      string
	Sender    string
	Text      string
	CreatedAt time.Time
	ReplyTo   *string
	Edited    bool
	// Corrupt is set when the stored body could not be decrypted; Text is
	// then empty.
	Corrupt bool
}

// MessageService coordinates encrypted message persistence.
type MessageService struct {
	DB     *gorm.DB
	Crypto Cipher

	// HistoryLimit bounds the replay on join.
	HistoryLimit int
	// TypingWindow is how long a typing ping counts.
	TypingWindow time.Duration
	// EnforceOwnership restricts edit and delete to the original sender.
	EnforceOwnership bool
	// MaxRunes caps chat text length; 0 disables.
	MaxRunes int

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (s *MessageService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *MessageService) tracer() trace.Tracer { return otel.Tracer("services/MessageService") }

// Send validates text, encrypts it under room's key and persists it.
// Blank text yields ErrEmptyMessage and nothing is stored.
func (s *MessageService) Send(ctx context.Context, room, sender, text, messageID string, replyTo *string) (*Line, error) {
	ctx, span := s.tracer().Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("room", room),
			attribute.String("message.id", messageID),
		),
	)
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newErr(ErrEmptyMessage, "Message is empty")
	}
	if s.MaxRunes > 0 && utf8.RuneCountInString(text) > s.MaxRunes {
		return nil, newErr(ErrValidation, "Message is too long")
	}
	if err := validateMessageID(messageID); err != nil {
		return nil, err
	}
	if replyTo != nil && *replyTo == "" {
		replyTo = nil
	}

	body, err := s.Crypto.Encrypt(room, []byte(text))
	if err != nil {
		return nil, err
	}
	m, err := repo.SaveMessage(ctx, s.DB, room, sender, body, messageID, replyTo, s.now())
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, newErr(ErrConflict, "Duplicate message_id")
		}
		return nil, err
	}
	return &Line{
		MessageID: m.MessageID,
		Room:      room,
		Sender:    sender,
		Text:      text,
		CreatedAt: m.CreatedAt,
		ReplyTo:   m.ReplyTo,
	}, nil
}

// History returns the most recent messages of room, oldest first, with
// bodies decrypted. Entries that fail to decrypt are marked Corrupt.
func (s *MessageService) History(ctx context.Context, room string) ([]Line, error) {
	ctx, span := s.tracer().Start(ctx, "History",
		trace.WithAttributes(
			attribute.String("room", room),
			attribute.Int("limit", s.HistoryLimit),
		),
	)
	defer span.End()

	limit := s.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	rows, err := repo.FetchRoomHistory(ctx, s.DB, room, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Line, 0, len(rows))
	for _, m := range rows {
		l := Line{
			MessageID: m.MessageID,
			Room:      m.Room,
			Sender:    m.Sender,
			CreatedAt: m.CreatedAt,
			ReplyTo:   m.ReplyTo,
			Edited:    m.EditedAt != nil,
		}
		pt, err := s.Crypto.Decrypt(room, m.Body)
		if err != nil {
			log.Warn().Err(err).Str("room", room).Str("message_id", m.MessageID).Msg("history entry could not be decrypted")
			l.Corrupt = true
		} else {
			l.Text = string(pt)
		}
		out = append(out, l)
	}
	return out, nil
}

// Edit replaces the text of a live message in room. With EnforceOwnership
// only the original sender may edit. It returns the trimmed new text.
func (s *MessageService) Edit(ctx context.Context, room, editor, messageID, text string) (string, error) {
	ctx, span := s.tracer().Start(ctx, "Edit",
		trace.WithAttributes(
			attribute.String("room", room),
			attribute.String("message.id", messageID),
		),
	)
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return "", newErr(ErrValidation, "Message must not be empty")
	}
	if s.MaxRunes > 0 && utf8.RuneCountInString(text) > s.MaxRunes {
		return "", newErr(ErrValidation, "Message is too long")
	}
	if err := s.ownedLive(ctx, room, editor, messageID, "edit"); err != nil {
		return "", err
	}

	body, err := s.Crypto.Encrypt(room, []byte(text))
	if err != nil {
		return "", err
	}
	if err := repo.EditMessage(ctx, s.DB, messageID, body, s.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", newErr(ErrNotFound, "Message not found")
		}
		return "", err
	}
	return text, nil
}

// Delete soft-deletes a live message in room. With EnforceOwnership only
// the original sender may delete.
func (s *MessageService) Delete(ctx context.Context, room, user, messageID string) error {
	ctx, span := s.tracer().Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("room", room),
			attribute.String("message.id", messageID),
		),
	)
	defer span.End()

	if err := s.ownedLive(ctx, room, user, messageID, "delete"); err != nil {
		return err
	}
	if err := repo.DeleteMessage(ctx, s.DB, messageID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return newErr(ErrNotFound, "Message not found")
		}
		return err
	}
	return nil
}

// ownedLive loads a non-deleted message of room and applies the ownership
// rule for verb.
func (s *MessageService) ownedLive(ctx context.Context, room, user, messageID, verb string) error {
	if err := validateMessageID(messageID); err != nil {
		return err
	}
	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return newErr(ErrNotFound, "Message not found")
		}
		return err
	}
	if m.Deleted || m.Room != room {
		return newErr(ErrNotFound, "Message not found")
	}
	if s.EnforceOwnership && m.Sender != user {
		return newErr(ErrForbidden, "You can only "+verb+" your own messages")
	}
	return nil
}

// MarkRead records a receipt for a live message of room and returns every
// reader of that message. Repeated marks are harmless.
func (s *MessageService) MarkRead(ctx context.Context, room, user, messageID string) ([]string, error) {
	ctx, span := s.tracer().Start(ctx, "MarkRead",
		trace.WithAttributes(
			attribute.String("room", room),
			attribute.String("message.id", messageID),
		),
	)
	defer span.End()

	if err := validateMessageID(messageID); err != nil {
		return nil, err
	}
	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newErr(ErrNotFound, "Message not found")
		}
		return nil, err
	}
	if m.Deleted || m.Room != room {
		return nil, newErr(ErrNotFound, "Message not found")
	}
	if err := repo.MarkRead(ctx, s.DB, messageID, user, s.now()); err != nil {
		return nil, err
	}
	return repo.GetReadReceipts(ctx, s.DB, messageID)
}

// Typing records a ping when typing is true and returns who is currently
// typing in room, user included when their ping is still fresh.
func (s *MessageService) Typing(ctx context.Context, room, user string, typing bool) ([]string, error) {
	ctx, span := s.tracer().Start(ctx, "Typing",
		trace.WithAttributes(attribute.String("room", room)),
	)
	defer span.End()

	now := s.now()
	if typing {
		if err := repo.UpsertTyping(ctx, s.DB, room, user, now); err != nil {
			return nil, err
		}
	}
	window := s.TypingWindow
	if window <= 0 {
		window = 3 * time.Second
	}
	return repo.GetTypingUsers(ctx, s.DB, room, now, window)
}

// ClearRoom soft-deletes the whole history of room.
func (s *MessageService) ClearRoom(ctx context.Context, room string) (int64, error) {
	ctx, span := s.tracer().Start(ctx, "ClearRoom",
		trace.WithAttributes(attribute.String("room", room)),
	)
	defer span.End()

	if strings.TrimSpace(room) == "" {
		return 0, newErr(ErrValidation, "Room is required")
	}
	return repo.ClearRoom(ctx, s.DB, room)
}

func validateMessageID(id string) error {
	if strings.TrimSpace(id) == "" {
		return newErr(ErrValidation, "message_id is required")
	}
	if len(id) > maxMessageIDLen {
		return newErr(ErrValidation, "message_id is too long")
	}
	return nil
}
