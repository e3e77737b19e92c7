package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-server/internal/repo"
)

type fakeDirectory map[string][]string

func (d fakeDirectory) Rooms() map[string]int {
	out := make(map[string]int, len(d))
	for room, users := range d {
		out[room] = len(users)
	}
	return out
}

func (d fakeDirectory) MembersOf(room string) []string { return d[room] }

type fakeClearer struct {
	rooms []string
	n     int64
	err   error
}

func (f *fakeClearer) ClearRoom(_ context.Context, room string) (int64, error) {
	f.rooms = append(f.rooms, room)
	return f.n, f.err
}

func newRoomsDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seed(t *testing.T, db *gorm.DB, room string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", room, i)
		if _, err := repo.SaveMessage(context.Background(), db, room, "alice", []byte("ct"), id, nil, at.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func newRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/rooms", h.ListRooms)
	r.GET("/rooms/:room/members", h.Members)
	r.GET("/rooms/:room/stats", h.Stats)
	r.DELETE("/rooms/:room/messages", h.ClearRoom)
	return r
}

func do(r *gin.Engine, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (%s)", v, err, w.Body.String())
	}
	return v
}

func TestListRooms_LivePaginated(t *testing.T) {
	live := fakeDirectory{
		"general": {"alice", "bob"},
		"random":  {"carol"},
		"zeta":    {"dave"},
	}
	r := newRouter(New(newRoomsDB(t), live, &fakeClearer{}))

	w := do(r, http.MethodGet, "/rooms?page=2&page_size=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	resp := decode[ListRoomsResponse](t, w)
	if resp.Scope != "live" || len(resp.Rooms) != 1 || resp.Rooms[0] != (RoomSummary{Room: "zeta", Online: 1}) {
		t.Fatalf("unexpected rooms %+v", resp)
	}
	want := Pagination{Page: 2, PageSize: 2, Total: 3, TotalPages: 2, HasNext: false}
	if resp.Pagination != want {
		t.Fatalf("pagination %+v; want %+v", resp.Pagination, want)
	}

	resp = decode[ListRoomsResponse](t, do(r, http.MethodGet, "/rooms?page=9", nil))
	if len(resp.Rooms) != 0 || resp.Rooms == nil {
		t.Fatalf("page past the end should be an empty list, got %#v", resp.Rooms)
	}
}

func TestListRooms_StoredWithOnlineCounts(t *testing.T) {
	db := newRoomsDB(t)
	at := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	seed(t, db, "beta", 2, at)
	seed(t, db, "alpha", 1, at)
	r := newRouter(New(db, fakeDirectory{"beta": {"bob"}}, &fakeClearer{}))

	w := do(r, http.MethodGet, "/rooms?scope=stored", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	resp := decode[ListRoomsResponse](t, w)
	want := []RoomSummary{{Room: "alpha", Online: 0}, {Room: "beta", Online: 1}}
	if len(resp.Rooms) != 2 || resp.Rooms[0] != want[0] || resp.Rooms[1] != want[1] {
		t.Fatalf("rooms = %+v; want %+v", resp.Rooms, want)
	}
	if resp.Pagination.Total != 2 {
		t.Fatalf("total = %d", resp.Pagination.Total)
	}

	if w := do(r, http.MethodGet, "/rooms?scope=bogus", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad scope status %d", w.Code)
	}
}

func TestMembers(t *testing.T) {
	r := newRouter(New(newRoomsDB(t), fakeDirectory{"general": {"alice", "bob"}}, &fakeClearer{}))

	resp := decode[MembersResponse](t, do(r, http.MethodGet, "/rooms/general/members", nil))
	if resp.Room != "general" || len(resp.Users) != 2 {
		t.Fatalf("unexpected %+v", resp)
	}

	resp = decode[MembersResponse](t, do(r, http.MethodGet, "/rooms/empty/members", nil))
	if resp.Users == nil || len(resp.Users) != 0 {
		t.Fatalf("empty room should list [] users, got %#v", resp.Users)
	}

	if w := do(r, http.MethodGet, "/rooms/%20/members", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("blank room status %d", w.Code)
	}
}

func TestStats_ETagAndNotModified(t *testing.T) {
	db := newRoomsDB(t)
	at := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	seed(t, db, "general", 3, at)
	r := newRouter(New(db, fakeDirectory{"general": {"alice"}}, &fakeClearer{}))

	w := do(r, http.MethodGet, "/rooms/general/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	stats := decode[StatsResponse](t, w)
	if stats.Messages != 3 || stats.Online != 1 || stats.LastActivity == nil {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !stats.LastActivity.Equal(at.Add(2 * time.Second)) {
		t.Fatalf("last activity %v", stats.LastActivity)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	if w := do(r, http.MethodGet, "/rooms/general/stats", map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("conditional status %d", w.Code)
	}

	empty := decode[StatsResponse](t, do(r, http.MethodGet, "/rooms/quiet/stats", nil))
	if empty.Messages != 0 || empty.LastActivity != nil {
		t.Fatalf("empty room stats %+v", empty)
	}
}

func TestClearRoom(t *testing.T) {
	fc := &fakeClearer{n: 4}
	r := newRouter(New(newRoomsDB(t), fakeDirectory{}, fc))

	w := do(r, http.MethodDelete, "/rooms/general/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if resp := decode[ClearResponse](t, w); resp != (ClearResponse{Room: "general", Cleared: 4}) {
		t.Fatalf("unexpected %+v", resp)
	}
	if len(fc.rooms) != 1 || fc.rooms[0] != "general" {
		t.Fatalf("clearer saw %v", fc.rooms)
	}

	fc.err = errors.New("db down")
	w = do(r, http.MethodDelete, "/rooms/general/messages", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("failure status %d", w.Code)
	}
	if e := decode[ErrorResponse](t, w); e.Code != ErrCodeClearFailed {
		t.Fatalf("failure code %q", e.Code)
	}
}
