package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id     string
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	closed bool
}

func newFake(id string) *fakePeer { return &fakePeer{id: id} }

func (f *fakePeer) ID() string         { return f.id }
func (f *fakePeer) RemoteAddr() string { return "127.0.0.1:" + f.id }
func (f *fakePeer) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.got = append(f.got, append([]byte(nil), b...))
	return nil
}
func (f *fakePeer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakePeer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	a := newFake("1")

	r.Register(a)
	r.Register(a)
	assert.Equal(t, 1, r.Len())

	m, ok := r.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1", m.RemoteAddr)
	assert.Empty(t, m.Username)
	assert.Empty(t, m.Room)

	require.True(t, r.SetUsername(a, "alice"))
	prev, ok := r.SetRoom(a, "general")
	require.True(t, ok)
	assert.Empty(t, prev)

	prev, _ = r.SetRoom(a, "random")
	assert.Equal(t, "general", prev)
	assert.Empty(t, r.MembersOf("general"), "switching rooms must remove prior membership")
	assert.Equal(t, []string{"alice"}, r.MembersOf("random"))

	last, ok := r.Unregister(a)
	require.True(t, ok)
	assert.Equal(t, Member{Username: "alice", Room: "random", RemoteAddr: "127.0.0.1:1"}, last)
	assert.Equal(t, 0, r.Len())

	_, ok = r.Unregister(a)
	assert.False(t, ok)
	_, ok = r.SetRoom(a, "x")
	assert.False(t, ok)
	assert.False(t, r.SetUsername(a, "x"))
}

func TestRegistry_MembersAndConnections(t *testing.T) {
	r := NewRegistry()
	a, b, c, d := newFake("a"), newFake("b"), newFake("c"), newFake("d")
	for _, p := range []*fakePeer{a, b, c, d} {
		r.Register(p)
	}
	r.SetUsername(a, "alice")
	r.SetUsername(b, "bob")
	r.SetUsername(c, "alice") // second tab
	r.SetRoom(a, "general")
	r.SetRoom(b, "general")
	r.SetRoom(c, "general")
	// d is authenticated-less and room-less

	assert.Equal(t, []string{"alice", "bob"}, r.MembersOf("general"))
	assert.Len(t, r.ConnectionsIn("general", nil), 3)
	assert.Len(t, r.ConnectionsIn("general", a), 2)
	assert.Empty(t, r.ConnectionsIn("", nil), "room-less connections are never a room")
	assert.Equal(t, map[string]int{"general": 3}, r.Rooms())
}

func TestBroadcast_ExcludeAndFailure(t *testing.T) {
	r := NewRegistry()
	a, b, c := newFake("a"), newFake("b"), newFake("c")
	for _, p := range []*fakePeer{a, b, c} {
		r.Register(p)
		r.SetRoom(p, "general")
	}
	c.fail = true

	n := r.Broadcast("general", map[string]string{"type": "typing"}, a)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
	assert.JSONEq(t, `{"type":"typing"}`, string(b.got[0]))
	assert.True(t, c.closed, "failed peer should be closed")

	n = r.Broadcast("general", func() {}, nil) // not encodable
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, r.Broadcast("empty-room", "x", nil))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newFake(fmt.Sprint(i))
			r.Register(p)
			r.SetUsername(p, fmt.Sprintf("u%d", i))
			r.SetRoom(p, "busy")
			r.Broadcast("busy", "ping", p)
			_ = r.MembersOf("busy")
			r.Unregister(p)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
