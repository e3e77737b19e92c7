package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-server/internal/http/middleware"
)

// newLoggedRouter mounts the admin handlers behind the request id and
// access log middleware, capturing the global logger output.
func newLoggedRouter(t *testing.T, h *Handlers) (*gin.Engine, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(middleware.LogOptions{}))
	r.GET("/rooms/:room/members", h.Members)
	r.DELETE("/rooms/:room/messages", h.ClearRoom)
	return r, &buf
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line not json: %v (%s)", err, line)
		}
		out = append(out, m)
	}
	return out
}

func TestRoomParam_RejectsWithRequestID(t *testing.T) {
	r, buf := newLoggedRouter(t, New(newRoomsDB(t), fakeDirectory{}, &fakeClearer{}))

	cases := []struct {
		name   string
		target string
		want   int
	}{
		{"blank", "/rooms/%20%20/members", http.StatusBadRequest},
		{"too long", "/rooms/" + url.PathEscape(strings.Repeat("é", maxRoomRunes+1)) + "/members", http.StatusBadRequest},
		{"at limit", "/rooms/" + url.PathEscape(strings.Repeat("é", maxRoomRunes)) + "/members", http.StatusOK},
	}
	for _, tc := range cases {
		w := do(r, http.MethodGet, tc.target, map[string]string{"X-Request-ID": "rid-" + tc.name})
		if w.Code != tc.want {
			t.Fatalf("%s: status %d; want %d", tc.name, w.Code, tc.want)
		}
		if tc.want != http.StatusBadRequest {
			continue
		}
		e := decode[ErrorResponse](t, w)
		if e.Code != ErrCodeBadRequest || e.RequestID != "rid-"+tc.name {
			t.Fatalf("%s: unexpected envelope %+v", tc.name, e)
		}
	}

	for _, m := range logLines(t, buf) {
		if m["message"] == "api error" {
			t.Fatalf("client errors must not be logged as api errors: %v", m)
		}
	}
}

func TestClearRoom_FailureLogsThroughRequestLogger(t *testing.T) {
	fc := &fakeClearer{err: errors.New("db down")}
	r, buf := newLoggedRouter(t, New(newRoomsDB(t), fakeDirectory{}, fc))

	w := do(r, http.MethodDelete, "/rooms/general/messages", map[string]string{"X-Request-ID": "rid-clear"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", w.Code)
	}
	if e := decode[ErrorResponse](t, w); e != (ErrorResponse{RequestID: "rid-clear", Code: ErrCodeClearFailed, Message: "could not clear room"}) {
		t.Fatalf("unexpected envelope %+v", e)
	}

	var apiErr, access map[string]any
	for _, m := range logLines(t, buf) {
		switch m["message"] {
		case "api error":
			apiErr = m
		case "request":
			access = m
		}
	}
	if apiErr == nil || apiErr["level"] != "error" || apiErr["code"] != ErrCodeClearFailed || apiErr["request_id"] != "rid-clear" {
		t.Fatalf("api error log missing or unscoped: %v", apiErr)
	}
	if access == nil || access["path"] != "/rooms/:room/messages" || access["level"] != "error" {
		t.Fatalf("access log unexpected: %v", access)
	}
}
