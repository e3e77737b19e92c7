package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-server/internal/ratelimit"
	"github.com/tbourn/go-chat-server/internal/repo"
	"github.com/tbourn/go-chat-server/internal/roomcrypt"
	"github.com/tbourn/go-chat-server/internal/services"
)

const waitFor = 3 * time.Second

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	srv  *Server
	db   *gorm.DB
	addr string
	clk  *testClock
}

// newHarness serves a fresh SQLite-backed server on a loopback port. mods
// adjust the dependencies before the server is built.
func newHarness(t *testing.T, opts Options, lim *ratelimit.Keyed, mods ...func(*Deps)) *harness {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))

	clk := &testClock{now: time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC)}
	crypto := roomcrypt.New(nil)

	auth := services.NewAuthService(db, bcrypt.MinCost, time.Hour)
	auth.Now = clk.Now
	deps := Deps{
		Auth: auth,
		Messages: &services.MessageService{
			DB:               db,
			Crypto:           crypto,
			HistoryLimit:     50,
			TypingWindow:     3 * time.Second,
			EnforceOwnership: true,
			Now:              clk.Now,
		},
		Files: &services.FileService{
			DB:       db,
			Crypto:   crypto,
			MaxBytes: 1 << 20,
			Now:      clk.Now,
		},
		Limiter: lim,
	}
	for _, mod := range mods {
		mod(&deps)
	}
	srv := New(deps, opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(waitFor):
			t.Error("Serve did not return after cancel")
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &harness{srv: srv, db: db, addr: ln.Addr().String(), clk: clk}
}

type frame map[string]any

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f frame) strs(key string) []string {
	raw, _ := f[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		out = append(out, s)
	}
	return out
}

func (f frame) ok() bool {
	b, _ := f["ok"].(bool)
	return b
}

// client speaks the NDJSON protocol; a pump goroutine decodes every
// incoming line into frames.
type client struct {
	t        *testing.T
	conn     net.Conn
	frames   chan frame
	session  string
	username string
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c := &client{t: t, conn: conn, frames: make(chan frame, 256)}
	go func() {
		defer close(c.frames)
		sc := bufio.NewScanner(conn)
		sc.Buffer(make([]byte, 64<<10), 16<<20)
		for sc.Scan() {
			var f frame
			if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
				continue
			}
			c.frames <- f
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) sendRaw(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *client) send(v map[string]any) {
	c.t.Helper()
	if _, ok := v["session"]; !ok && c.session != "" {
		v["session"] = c.session
	}
	b, err := json.Marshal(v)
	require.NoError(c.t, err)
	c.sendRaw(string(b))
}

func (c *client) next() frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		if !ok {
			c.t.Fatalf("%s: connection closed while waiting for a frame", c.username)
		}
		return f
	case <-time.After(waitFor):
		c.t.Fatalf("%s: timed out waiting for a frame", c.username)
	}
	return nil
}

// expect skips frames until match returns true.
func (c *client) expect(desc string, match func(frame) bool) frame {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("%s: connection closed while waiting for %s", c.username, desc)
			}
			if match(f) {
				return f
			}
		case <-deadline:
			c.t.Fatalf("%s: timed out waiting for %s", c.username, desc)
		}
	}
}

func (c *client) expectType(typ string) frame {
	c.t.Helper()
	return c.expect("type "+typ, func(f frame) bool { return f.str("type") == typ })
}

func (c *client) expectClosed() {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatalf("%s: connection was not closed", c.username)
		}
	}
}

func (c *client) authenticate(action, user, pass string) frame {
	c.t.Helper()
	c.username = user
	c.send(map[string]any{"action": action, "username": user, "password": pass})
	f := c.next()
	require.True(c.t, f.ok(), "auth failed: %v", f)
	c.session = f.str("session")
	require.NotEmpty(c.t, c.session)
	return f
}

// join returns the join reply and the history replayed before it.
func (c *client) join(room string) (frame, []frame) {
	c.t.Helper()
	c.send(map[string]any{"type": "join", "room": room})
	var history []frame
	for {
		f := c.next()
		if f.str("type") == "chat" {
			history = append(history, f)
			continue
		}
		if _, isJoin := f["room"]; isJoin {
			require.True(c.t, f.ok(), "join failed: %v", f)
			return f, history
		}
		if f.str("type") == "" && !f.ok() {
			c.t.Fatalf("join rejected: %v", f)
		}
	}
}

// member registers user and joins room.
func member(t *testing.T, h *harness, user, room string) *client {
	t.Helper()
	c := dial(t, h.addr)
	c.authenticate("register", user, "secret-"+user)
	c.join(room)
	return c
}
