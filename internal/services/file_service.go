// Package services – FileService
//
// This file implements FileService, which stores attachments encrypted
// under the room key and returns them decrypted to members of the same room.
package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-server/internal/domain"
	"github.com/tbourn/go-chat-server/internal/repo"
	"github.com/tbourn/go-chat-server/internal/roomcrypt"
)

// Upload is the client-supplied attachment.
type Upload struct {
	MessageID string
	Filename  string
	FileType  string
	// DataBase64 is standard (padded or unpadded) base64.
	DataBase64 string
}

// Download is a decrypted attachment.
type Download struct {
	MessageID string
	Filename  string
	FileType  string
	Data      []byte
}

// FileService coordinates encrypted attachment storage.
type FileService struct {
	DB     *gorm.DB
	Crypto Cipher

	// MaxBytes caps the decoded size; 0 disables.
	MaxBytes int64

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (s *FileService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Upload decodes, encrypts and stores an attachment for room. Attachments
// are immutable: a second upload for the same message id is a conflict.
func (s *FileService) Upload(ctx context.Context, room, uploader string, up Upload) (*domain.Attachment, error) {
	tr := otel.Tracer("services/FileService")
	ctx, span := tr.Start(ctx, "Upload",
		trace.WithAttributes(
			attribute.String("room", room),
			attribute.String("message.id", up.MessageID),
		),
	)
	defer span.End()

	if err := validateMessageID(up.MessageID); err != nil {
		return nil, err
	}
	name := cleanFilename(up.Filename)
	if name == "" {
		return nil, newErr(ErrValidation, "filename is required")
	}
	if up.DataBase64 == "" {
		return nil, newErr(ErrValidation, "file_data is required")
	}
	if s.MaxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(up.DataBase64))) > s.MaxBytes+2 {
		return nil, newErr(ErrValidation, fmt.Sprintf("File exceeds %d bytes", s.MaxBytes))
	}
	data, err := decodeBase64(up.DataBase64)
	if err != nil {
		return nil, newErr(ErrValidation, "file_data is not valid base64")
	}
	if s.MaxBytes > 0 && int64(len(data)) > s.MaxBytes {
		return nil, newErr(ErrValidation, fmt.Sprintf("File exceeds %d bytes", s.MaxBytes))
	}
	span.SetAttributes(attribute.Int("file.size", len(data)))

	enc, err := s.Crypto.Encrypt(room, data)
	if err != nil {
		return nil, err
	}
	a := &domain.Attachment{
		MessageID: up.MessageID,
		Room:      room,
		Uploader:  uploader,
		Filename:  name,
		FileType:  strings.TrimSpace(up.FileType),
		Data:      enc,
		Size:      int64(len(data)),
		CreatedAt: s.now(),
	}
	if err := repo.SaveAttachment(ctx, s.DB, a); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, newErr(ErrConflict, "Attachment already exists")
		}
		return nil, err
	}
	return a, nil
}

// Download returns the decrypted attachment of messageID. Attachments of
// other rooms are reported as not found.
func (s *FileService) Download(ctx context.Context, room, messageID string) (*Download, error) {
	tr := otel.Tracer("services/FileService")
	ctx, span := tr.Start(ctx, "Download",
		trace.WithAttributes(
			attribute.String("room", room),
			attribute.String("message.id", messageID),
		),
	)
	defer span.End()

	if err := validateMessageID(messageID); err != nil {
		return nil, err
	}
	a, err := repo.GetAttachment(ctx, s.DB, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newErr(ErrNotFound, "File not found")
		}
		return nil, err
	}
	if a.Room != room {
		return nil, newErr(ErrNotFound, "File not found")
	}
	data, err := s.Crypto.Decrypt(a.Room, a.Data)
	if err != nil {
		if errors.Is(err, roomcrypt.ErrDecrypt) {
			return nil, newErr(roomcrypt.ErrDecrypt, "File could not be decrypted")
		}
		return nil, err
	}
	return &Download{
		MessageID: a.MessageID,
		Filename:  a.Filename,
		FileType:  a.FileType,
		Data:      data,
	}, nil
}

// cleanFilename strips directories from client-supplied names.
func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	if len(base) > 255 {
		base = base[:255]
	}
	return base
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
