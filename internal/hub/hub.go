// Package hub tracks live connections, their authenticated user and current
// room, and fans payloads out to every connection in a room.
//
// The Registry is the only owner of connection metadata. Every read or write
// takes its lock, and no I/O happens while the lock is held: Broadcast
// snapshots the recipients under a read lock and sends after releasing it.
package hub

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Peer is a live connection that can receive payloads.
type Peer interface {
	// ID returns a process-unique connection identifier.
	ID() string
	RemoteAddr() string
	// Send writes one encoded payload. Implementations must be safe for
	// concurrent use and append their own frame delimiter.
	Send(payload []byte) error
	Close() error
}

// Member is a snapshot of one connection's metadata.
type Member struct {
	Username   string
	Room       string
	RemoteAddr string
}

type entry struct {
	peer Peer
	Member
}

// Registry maps live connections to {username, room, remote address}.
// The zero value is not usable; call NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

// Register adds p with no username and no room. Registering twice is a no-op.
func (r *Registry) Register(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[p.ID()]; ok {
		return
	}
	r.conns[p.ID()] = &entry{peer: p, Member: Member{RemoteAddr: p.RemoteAddr()}}
}

// Unregister removes p and returns its last known metadata, used for
// leave notifications. ok is false if p was not registered.
func (r *Registry) Unregister(p Peer) (last Member, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[p.ID()]
	if !ok {
		return Member{}, false
	}
	delete(r.conns, p.ID())
	return e.Member, true
}

// SetUsername records the authenticated user of p.
func (r *Registry) SetUsername(p Peer, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[p.ID()]
	if ok {
		e.Username = username
	}
	return ok
}

// SetRoom moves p into room and returns the room it left ("" if none).
// A connection is a member of at most one room.
func (r *Registry) SetRoom(p Peer, room string) (prev string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[p.ID()]
	if !ok {
		return "", false
	}
	prev, e.Room = e.Room, room
	return prev, true
}

// Lookup returns the metadata of p.
func (r *Registry) Lookup(p Peer) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[p.ID()]
	if !ok {
		return Member{}, false
	}
	return e.Member, true
}

// MembersOf returns the distinct usernames connected to room, sorted.
func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, e := range r.conns {
		if e.Room == room && e.Username != "" {
			seen[e.Username] = struct{}{}
		}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// ConnectionsIn returns the peers in room, excluding exclude when non-nil.
func (r *Registry) ConnectionsIn(room string, exclude Peer) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.conns))
	for id, e := range r.conns {
		if e.Room != room || room == "" {
			continue
		}
		if exclude != nil && id == exclude.ID() {
			continue
		}
		out = append(out, e.peer)
	}
	return out
}

// Rooms returns the number of connections per occupied room.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range r.conns {
		if e.Room != "" {
			out[e.Room]++
		}
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast encodes v once and sends it to every connection in room except
// exclude. A peer whose send fails is closed; its own worker then performs
// the usual cleanup. It returns the number of successful deliveries.
func (r *Registry) Broadcast(room string, v any, exclude Peer) int {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("broadcast encode failed")
		return 0
	}
	return r.BroadcastRaw(room, payload, exclude)
}

// BroadcastRaw is Broadcast for an already-encoded payload.
func (r *Registry) BroadcastRaw(room string, payload []byte, exclude Peer) int {
	delivered := 0
	for _, p := range r.ConnectionsIn(room, exclude) {
		if err := p.Send(payload); err != nil {
			log.Debug().Err(err).Str("conn_id", p.ID()).Str("room", room).Msg("broadcast send failed; closing peer")
			_ = p.Close()
			continue
		}
		delivered++
	}
	return delivered
}
