package protocol

// Event types broadcast to rooms.
const (
	EventChat         = "chat"
	EventTyping       = "typing"
	EventUserJoined   = "user_joined"
	EventUserLeft     = "user_left"
	EventReadReceipt  = "read_receipt"
	EventEdited       = "message_edited"
	EventDeleted      = "message_deleted"
	EventFileAttached = "file_attached"
	EventRoomCleared  = "room_cleared"
)

// TimestampLayout formats ChatEvent.Timestamp (UTC hours and minutes).
const TimestampLayout = "15:04"

// Failure codes carried in Reply.Code.
const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeConflict     = "conflict"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
	CodeCorrupt      = "corrupt"
	CodeInternal     = "internal"
	CodeUnavailable  = "unavailable"
)

// AuthReply answers the first document.
type AuthReply struct {
	OK       bool   `json:"ok"`
	Msg      string `json:"msg"`
	Code     string `json:"code,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
}

// Reply is a generic acknowledgement or failure sent to one client.
type Reply struct {
	OK        bool   `json:"ok"`
	Msg       string `json:"msg,omitempty"`
	Code      string `json:"code,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Fail builds a failure reply.
func Fail(code, msg string) Reply {
	return Reply{OK: false, Code: code, Msg: msg}
}

// JoinReply confirms a join with the full roster.
type JoinReply struct {
	OK    bool     `json:"ok"`
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

// DownloadReply returns an attachment to its requester only.
type DownloadReply struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	FileType  string `json:"file_type"`
	FileData  string `json:"file_data"`
}

// ChatEvent is a live or replayed chat line. Corrupt marks a history entry
// whose body could not be decrypted; Message is then empty.
type ChatEvent struct {
	Type      string  `json:"type"`
	Sender    string  `json:"sender"`
	Message   string  `json:"message"`
	MessageID string  `json:"message_id"`
	Timestamp string  `json:"timestamp"`
	ReplyTo   *string `json:"reply_to"`
	Edited    bool    `json:"edited"`
	Corrupt   bool    `json:"corrupt,omitempty"`
}

// TypingEvent lists who is currently typing.
type TypingEvent struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// PresenceEvent announces a join or leave with the updated roster.
type PresenceEvent struct {
	Type     string   `json:"type"`
	Username string   `json:"username"`
	Users    []string `json:"users"`
}

// ReadReceiptEvent lists everyone who has read a message.
type ReadReceiptEvent struct {
	Type      string   `json:"type"`
	MessageID string   `json:"message_id"`
	Readers   []string `json:"readers"`
}

// EditedEvent carries the new plaintext of an edited message.
type EditedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
	EditedBy  string `json:"edited_by"`
}

// DeletedEvent announces a deletion without content.
type DeletedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// FileAttachedEvent announces an upload; the bytes are fetched separately.
type FileAttachedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	FileType  string `json:"file_type"`
	Sender    string `json:"sender"`
	Size      int64  `json:"size"`
}

// RoomClearedEvent tells members the room history was cleared.
type RoomClearedEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
}
