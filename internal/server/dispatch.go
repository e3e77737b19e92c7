package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-chat-server/internal/observability"
	"github.com/tbourn/go-chat-server/internal/protocol"
	"github.com/tbourn/go-chat-server/internal/roomcrypt"
	"github.com/tbourn/go-chat-server/internal/services"
)

const maxRoomRunes = 64

var (
	errNotInRoom = &services.Error{Kind: services.ErrValidation, Msg: "Not in a room"}
	errForeign   = &services.Error{Kind: services.ErrUnauthorized, Msg: "Session does not belong to this connection"}
)

// dispatch handles one request. Service failures are replied to the
// client; a non-nil return ends the connection.
func (c *conn) dispatch(ctx context.Context, req protocol.Request) error {
	if u, ok := req.(protocol.UnknownRequest); ok {
		observability.Requests.WithLabelValues("unknown", "ignored").Inc()
		c.log.Warn().Str("type", u.Type).Msg("unknown request type")
		return nil
	}

	kind := req.Kind()
	if !c.srv.limiter.Allow("user:" + c.username) {
		observability.Requests.WithLabelValues(kind, "limited").Inc()
		return c.send(protocol.Fail(protocol.CodeRateLimited, "Slow down"))
	}
	if err := c.authorize(ctx, req.SessionToken()); err != nil {
		return c.finish(kind, err)
	}

	var err error
	switch r := req.(type) {
	case protocol.JoinRequest:
		err = c.join(ctx, r)
	case protocol.LogoutRequest:
		return c.logout(ctx, r)
	case protocol.ChatRequest:
		err = c.inRoom(func() error { return c.chat(ctx, r) })
	case protocol.TypingRequest:
		err = c.inRoom(func() error { return c.typing(ctx, r) })
	case protocol.ReadRequest:
		err = c.inRoom(func() error { return c.read(ctx, r) })
	case protocol.EditRequest:
		err = c.inRoom(func() error { return c.edit(ctx, r) })
	case protocol.DeleteRequest:
		err = c.inRoom(func() error { return c.delete(ctx, r) })
	case protocol.UploadRequest:
		err = c.inRoom(func() error { return c.upload(ctx, r) })
	case protocol.DownloadRequest:
		err = c.inRoom(func() error { return c.download(ctx, r) })
	default:
		err = fmt.Errorf("unhandled request %T", req)
	}
	return c.finish(kind, err)
}

// finish records the outcome of a request and replies on failure. Only
// transport failures end the connection.
func (c *conn) finish(kind string, err error) error {
	switch {
	case err == nil:
		observability.Requests.WithLabelValues(kind, "ok").Inc()
		return nil
	case errors.Is(err, errTransport):
		return err
	case errors.Is(err, services.ErrEmptyMessage):
		observability.Requests.WithLabelValues(kind, "dropped").Inc()
		return nil
	}
	observability.Requests.WithLabelValues(kind, "error").Inc()
	code, msg := classify(err)
	if code == protocol.CodeInternal {
		c.log.Error().Err(err).Str("type", kind).Msg("request failed")
	}
	return c.send(protocol.Fail(code, msg))
}

// authorize checks that token is a live session of this connection's user.
func (c *conn) authorize(ctx context.Context, token string) error {
	user, err := c.srv.auth.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	if user != c.username {
		return errForeign
	}
	return nil
}

func (c *conn) inRoom(fn func() error) error {
	if c.state != stateInRoom || c.room == "" {
		return errNotInRoom
	}
	return fn()
}

func (c *conn) join(ctx context.Context, r protocol.JoinRequest) error {
	room := normalizeRoom(r.Room)
	if room == "" {
		return &services.Error{Kind: services.ErrValidation, Msg: "Room is required"}
	}
	if utf8.RuneCountInString(room) > maxRoomRunes {
		return &services.Error{Kind: services.ErrValidation, Msg: "Room name is too long"}
	}

	// History is loaded before the membership change so a failed join
	// leaves the connection where it was.
	history, err := c.srv.messages.History(ctx, room)
	if err != nil {
		return err
	}

	prev, _ := c.srv.hub.SetRoom(c.peer, room)
	c.room = room
	c.state = stateInRoom
	c.log = c.log.With().Str("room", room).Logger()
	if prev != "" && prev != room {
		c.srv.broadcast(prev, protocol.PresenceEvent{
			Type:     protocol.EventUserLeft,
			Username: c.username,
			Users:    c.srv.hub.MembersOf(prev),
		}, nil)
	}

	for _, l := range history {
		if err := c.send(chatEvent(l)); err != nil {
			return err
		}
	}

	users := c.srv.hub.MembersOf(room)
	c.srv.broadcast(room, protocol.PresenceEvent{
		Type:     protocol.EventUserJoined,
		Username: c.username,
		Users:    users,
	}, c.peer)
	c.log.Info().Int("history", len(history)).Msg("joined room")
	return c.send(protocol.JoinReply{OK: true, Room: room, Users: users})
}

func (c *conn) chat(ctx context.Context, r protocol.ChatRequest) error {
	line, err := c.srv.messages.Send(ctx, c.room, c.username, r.Message, r.MessageID, r.ReplyTo)
	if err != nil {
		return err
	}
	c.srv.broadcast(c.room, chatEvent(*line), nil)
	return nil
}

func (c *conn) typing(ctx context.Context, r protocol.TypingRequest) error {
	users, err := c.srv.messages.Typing(ctx, c.room, c.username, r.Typing)
	if err != nil {
		return err
	}
	c.srv.broadcast(c.room, protocol.TypingEvent{Type: protocol.EventTyping, Users: nonNil(users)}, c.peer)
	return nil
}

func (c *conn) read(ctx context.Context, r protocol.ReadRequest) error {
	readers, err := c.srv.messages.MarkRead(ctx, c.room, c.username, r.MessageID)
	if err != nil {
		return err
	}
	c.srv.broadcast(c.room, protocol.ReadReceiptEvent{
		Type:      protocol.EventReadReceipt,
		MessageID: r.MessageID,
		Readers:   nonNil(readers),
	}, nil)
	return nil
}

func (c *conn) edit(ctx context.Context, r protocol.EditRequest) error {
	text, err := c.srv.messages.Edit(ctx, c.room, c.username, r.MessageID, r.Message)
	if err != nil {
		return err
	}
	c.srv.broadcast(c.room, protocol.EditedEvent{
		Type:      protocol.EventEdited,
		MessageID: r.MessageID,
		Message:   text,
		EditedBy:  c.username,
	}, nil)
	return nil
}

func (c *conn) delete(ctx context.Context, r protocol.DeleteRequest) error {
	if err := c.srv.messages.Delete(ctx, c.room, c.username, r.MessageID); err != nil {
		return err
	}
	c.srv.broadcast(c.room, protocol.DeletedEvent{Type: protocol.EventDeleted, MessageID: r.MessageID}, nil)
	return nil
}

func (c *conn) upload(ctx context.Context, r protocol.UploadRequest) error {
	a, err := c.srv.files.Upload(ctx, c.room, c.username, services.Upload{
		MessageID:  r.MessageID,
		Filename:   r.Filename,
		FileType:   r.FileType,
		DataBase64: r.FileData,
	})
	if err != nil {
		return err
	}
	if err := c.send(protocol.Reply{OK: true, MessageID: a.MessageID}); err != nil {
		return err
	}
	c.srv.broadcast(c.room, protocol.FileAttachedEvent{
		Type:      protocol.EventFileAttached,
		MessageID: a.MessageID,
		Filename:  a.Filename,
		FileType:  a.FileType,
		Sender:    c.username,
		Size:      a.Size,
	}, nil)
	return nil
}

func (c *conn) download(ctx context.Context, r protocol.DownloadRequest) error {
	d, err := c.srv.files.Download(ctx, c.room, r.MessageID)
	if err != nil {
		return err
	}
	return c.send(protocol.DownloadReply{
		OK:        true,
		MessageID: d.MessageID,
		Filename:  d.Filename,
		FileType:  d.FileType,
		FileData:  base64.StdEncoding.EncodeToString(d.Data),
	})
}

func (c *conn) logout(ctx context.Context, r protocol.LogoutRequest) error {
	if err := c.srv.auth.Logout(ctx, r.SessionToken()); err != nil {
		return c.finish(r.Kind(), err)
	}
	observability.Requests.WithLabelValues(r.Kind(), "ok").Inc()
	c.log.Info().Msg("logged out")
	if err := c.send(protocol.Reply{OK: true, Msg: "Logged out"}); err != nil {
		return err
	}
	return errLogout
}

// classify maps a service error to a reply code and client message.
// Unclassified errors are internal and their text is not exposed.
func classify(err error) (code, msg string) {
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrEmptyMessage):
		code = protocol.CodeValidation
	case errors.Is(err, services.ErrUnauthorized):
		code = protocol.CodeUnauthorized
	case errors.Is(err, services.ErrConflict):
		code = protocol.CodeConflict
	case errors.Is(err, services.ErrNotFound):
		code = protocol.CodeNotFound
	case errors.Is(err, services.ErrForbidden):
		code = protocol.CodeForbidden
	case errors.Is(err, roomcrypt.ErrDecrypt):
		return protocol.CodeCorrupt, services.Message(err, "Data could not be decrypted")
	default:
		return protocol.CodeInternal, "Internal error"
	}
	return code, services.Message(err, err.Error())
}

func chatEvent(l services.Line) protocol.ChatEvent {
	return protocol.ChatEvent{
		Type:      protocol.EventChat,
		Sender:    l.Sender,
		Message:   l.Text,
		MessageID: l.MessageID,
		Timestamp: l.CreatedAt.UTC().Format(protocol.TimestampLayout),
		ReplyTo:   l.ReplyTo,
		Edited:    l.Edited,
		Corrupt:   l.Corrupt,
	}
}

// normalizeRoom trims and NFC-normalizes a room name so visually equal
// names address the same room and key.
func normalizeRoom(room string) string {
	return norm.NFC.String(strings.TrimSpace(room))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
