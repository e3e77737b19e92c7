package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-server/internal/repo"
	"github.com/tbourn/go-chat-server/internal/utils"
)

const (
	maxRoomRunes    = 64
	defaultPageSize = 20
	maxPageSize     = 100
)

// Directory reports live room membership. *hub.Registry implements it.
type Directory interface {
	Rooms() map[string]int
	MembersOf(room string) []string
}

// RoomClearer soft-deletes a room's history and tells its members.
// *server.Server implements it.
type RoomClearer interface {
	ClearRoom(ctx context.Context, room string) (int64, error)
}

// Handlers groups the admin endpoints.
type Handlers struct {
	db      *gorm.DB
	live    Directory
	clearer RoomClearer
}

// New constructs Handlers over the store, the live registry and the clearer.
func New(db *gorm.DB, live Directory, clearer RoomClearer) *Handlers {
	return &Handlers{db: db, live: live, clearer: clearer}
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{Page: page, PageSize: pageSize, Total: total, TotalPages: pages, HasNext: page < pages}
}

// RoomSummary is one entry of a room listing.
type RoomSummary struct {
	Room   string `json:"room"`
	Online int    `json:"online"`
}

// ListRoomsResponse wraps a page of rooms.
type ListRoomsResponse struct {
	Scope      string        `json:"scope"`
	Rooms      []RoomSummary `json:"rooms"`
	Pagination Pagination    `json:"pagination"`
}

// MembersResponse lists the users currently in a room.
type MembersResponse struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

// StatsResponse summarizes a room's persisted history and live presence.
type StatsResponse struct {
	Room         string     `json:"room"`
	Messages     int64      `json:"messages"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Online       int        `json:"online"`
}

// ClearResponse reports how many messages a clear removed.
type ClearResponse struct {
	Room    string `json:"room"`
	Cleared int64  `json:"cleared"`
}

// ListRooms handles GET /rooms.
//
// scope=live (default) lists rooms with connected members; scope=stored
// lists rooms with persisted history. Both are sorted by name and
// paginated with page/page_size.
func (h *Handlers) ListRooms(c *gin.Context) {
	page, pageSize := utils.ParsePage(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
	online := h.live.Rooms()

	switch scope := c.DefaultQuery("scope", "live"); scope {
	case "live":
		names := make([]string, 0, len(online))
		for name := range online {
			names = append(names, name)
		}
		sort.Strings(names)

		start, end := utils.Window(page, pageSize, len(names))
		ok(c, http.StatusOK, ListRoomsResponse{
			Scope:      scope,
			Rooms:      summarize(names[start:end], online),
			Pagination: newPagination(page, pageSize, int64(len(names))),
		})

	case "stored":
		ctx := c.Request.Context()
		total, err := repo.CountRooms(ctx, h.db)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not count rooms")
			return
		}
		names, err := repo.ListRoomsPage(ctx, h.db, (page-1)*pageSize, pageSize)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list rooms")
			return
		}
		ok(c, http.StatusOK, ListRoomsResponse{
			Scope:      scope,
			Rooms:      summarize(names, online),
			Pagination: newPagination(page, pageSize, total),
		})

	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scope must be live or stored")
	}
}

// Members handles GET /rooms/:room/members.
func (h *Handlers) Members(c *gin.Context) {
	room, valid := roomParam(c)
	if !valid {
		return
	}
	ok(c, http.StatusOK, MembersResponse{Room: room, Users: nonNil(h.live.MembersOf(room))})
}

// Stats handles GET /rooms/:room/stats. The response carries a weak ETag
// derived from the message count and last activity; a matching
// If-None-Match yields 304.
func (h *Handlers) Stats(c *gin.Context) {
	room, valid := roomParam(c)
	if !valid {
		return
	}
	count, last, err := repo.RoomStats(c.Request.Context(), h.db, room)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load room stats")
		return
	}

	var ts int64
	if last != nil {
		ts = last.UnixNano()
	}
	etag := fmt.Sprintf(`W/"room:%d:%d"`, count, ts)
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}

	ok(c, http.StatusOK, StatsResponse{
		Room:         room,
		Messages:     count,
		LastActivity: last,
		Online:       len(h.live.MembersOf(room)),
	})
}

// ClearRoom handles DELETE /rooms/:room/messages. Members of the room are
// notified with a room_cleared event.
func (h *Handlers) ClearRoom(c *gin.Context) {
	room, valid := roomParam(c)
	if !valid {
		return
	}
	n, err := h.clearer.ClearRoom(c.Request.Context(), room)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeClearFailed, "could not clear room")
		return
	}
	ok(c, http.StatusOK, ClearResponse{Room: room, Cleared: n})
}

// roomParam normalizes the :room path parameter, writing a 400 when it is
// blank or too long.
func roomParam(c *gin.Context) (string, bool) {
	room := norm.NFC.String(strings.TrimSpace(c.Param("room")))
	if room == "" || utf8.RuneCountInString(room) > maxRoomRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid room name")
		return "", false
	}
	return room, true
}

func summarize(names []string, online map[string]int) []RoomSummary {
	out := make([]RoomSummary, 0, len(names))
	for _, n := range names {
		out = append(out, RoomSummary{Room: n, Online: online[n]})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
