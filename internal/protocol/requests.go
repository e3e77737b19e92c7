package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request kinds carried in the "type" field.
const (
	TypeJoin     = "join"
	TypeChat     = "chat"
	TypeTyping   = "typing"
	TypeRead     = "read"
	TypeEdit     = "edit"
	TypeDelete   = "delete"
	TypeUpload   = "upload"
	TypeDownload = "download"
	TypeLogout   = "logout"
)

// Auth actions carried in the "action" field of the first document.
const (
	ActionLogin    = "login"
	ActionRegister = "register"
)

var (
	// ErrMalformed means the document is not a JSON object. The connection
	// cannot be trusted to stay in sync and is closed.
	ErrMalformed = errors.New("protocol: malformed document")

	// ErrBadFields means the document is JSON but a field has the wrong
	// shape. It is reported to the client, who may retry.
	ErrBadFields = errors.New("protocol: invalid fields")

	// ErrBadAuth means the first document is not a login/register request.
	ErrBadAuth = errors.New("protocol: expected login or register")
)

// Request is one client request after authentication. The set of
// implementations is closed; dispatchers switch over the concrete types and
// UnknownRequest is the explicit arm for unrecognized kinds.
type Request interface {
	Kind() string
	SessionToken() string
	isRequest()
}

// AuthRequest is the mandatory first document of a connection.
type AuthRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionField struct {
	Session string `json:"session"`
}

func (s sessionField) SessionToken() string { return s.Session }

func (sessionField) isRequest() {}

// JoinRequest moves the connection into Room.
type JoinRequest struct {
	sessionField
	Room string `json:"room"`
}

// ChatRequest posts a message to the current room.
type ChatRequest struct {
	sessionField
	Message   string  `json:"message"`
	MessageID string  `json:"message_id"`
	ReplyTo   *string `json:"reply_to"`
}

// TypingRequest reports whether the user is typing.
type TypingRequest struct {
	sessionField
	Typing bool `json:"typing"`
}

// ReadRequest marks a message as read.
type ReadRequest struct {
	sessionField
	MessageID string `json:"message_id"`
}

// EditRequest replaces the text of a message.
type EditRequest struct {
	sessionField
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

// DeleteRequest soft-deletes a message.
type DeleteRequest struct {
	sessionField
	MessageID string `json:"message_id"`
}

// UploadRequest stores an attachment; FileData is standard base64.
type UploadRequest struct {
	sessionField
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	FileType  string `json:"file_type"`
	FileData  string `json:"file_data"`
}

// DownloadRequest fetches an attachment.
type DownloadRequest struct {
	sessionField
	MessageID string `json:"message_id"`
}

// LogoutRequest revokes the session and ends the connection.
type LogoutRequest struct {
	sessionField
}

// UnknownRequest carries a type the server does not handle.
type UnknownRequest struct {
	sessionField
	Type string `json:"type"`
}

func (JoinRequest) Kind() string     { return TypeJoin }
func (ChatRequest) Kind() string     { return TypeChat }
func (TypingRequest) Kind() string   { return TypeTyping }
func (ReadRequest) Kind() string     { return TypeRead }
func (EditRequest) Kind() string     { return TypeEdit }
func (DeleteRequest) Kind() string   { return TypeDelete }
func (UploadRequest) Kind() string   { return TypeUpload }
func (DownloadRequest) Kind() string { return TypeDownload }
func (LogoutRequest) Kind() string   { return TypeLogout }

// Kind returns the unrecognized type as sent.
func (u UnknownRequest) Kind() string { return u.Type }

// ParseAuth decodes the first document of a connection.
func ParseAuth(b []byte) (AuthRequest, error) {
	var req AuthRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return AuthRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch req.Action {
	case ActionLogin, ActionRegister:
		return req, nil
	default:
		return AuthRequest{}, ErrBadAuth
	}
}

// Parse decodes a post-authentication document into its concrete Request.
func Parse(b []byte) (Request, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeJoin:
		return decode[JoinRequest](b)
	case TypeChat:
		return decode[ChatRequest](b)
	case TypeTyping:
		return decode[TypingRequest](b)
	case TypeRead:
		return decode[ReadRequest](b)
	case TypeEdit:
		return decode[EditRequest](b)
	case TypeDelete:
		return decode[DeleteRequest](b)
	case TypeUpload:
		return decode[UploadRequest](b)
	case TypeDownload:
		return decode[DownloadRequest](b)
	case TypeLogout:
		return decode[LogoutRequest](b)
	default:
		u := UnknownRequest{Type: env.Type}
		// best effort; unknown kinds only need their session for logging
		_ = json.Unmarshal(b, &u.sessionField)
		return u, nil
	}
}

func decode[T Request](b []byte) (Request, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFields, err)
	}
	return v, nil
}
