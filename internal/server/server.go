// Package server runs the chat protocol: it accepts TCP connections (and
// WebSocket upgrades), authenticates each connection with its first
// document, and dispatches subsequent requests against the services while
// fanning events out through the hub registry.
//
// Each connection is served by one goroutine. Requests of a connection are
// handled in arrival order, and every persist happens before the matching
// broadcast. The number of concurrently served connections is bounded by a
// weighted semaphore; connections over capacity receive an "unavailable"
// reply and are closed.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/tbourn/go-chat-server/internal/hub"
	"github.com/tbourn/go-chat-server/internal/observability"
	"github.com/tbourn/go-chat-server/internal/protocol"
	"github.com/tbourn/go-chat-server/internal/ratelimit"
	"github.com/tbourn/go-chat-server/internal/services"
)

// Options tunes connection handling.
type Options struct {
	// IdleTimeout closes a connection that sends nothing for this long; 0 disables.
	IdleTimeout time.Duration
	// WriteTimeout bounds each send to a peer; 0 disables.
	WriteTimeout time.Duration
	// MaxConns bounds concurrently served connections; <= 0 means 1024.
	MaxConns int
	// MaxFrameBytes bounds one JSON document; <= 0 means 16 MiB.
	MaxFrameBytes int
	// AllowedOrigins restricts WebSocket upgrades by Origin header; empty allows all.
	AllowedOrigins []string
}

// Deps are the collaborators of a Server.
type Deps struct {
	Auth     *services.AuthService
	Messages *services.MessageService
	Files    *services.FileService
	Hub      *hub.Registry
	// Limiter throttles requests per user; nil disables.
	Limiter *ratelimit.Keyed
	// AuthLimiter throttles login and register attempts per remote IP; nil disables.
	AuthLimiter *ratelimit.Keyed
}

// Server serves the chat protocol over TCP and WebSocket.
type Server struct {
	auth     *services.AuthService
	messages *services.MessageService
	files    *services.FileService
	hub      *hub.Registry
	limiter  *ratelimit.Keyed
	authLim  *ratelimit.Keyed

	opts     Options
	sem      *semaphore.Weighted
	upgrader websocket.Upgrader

	mu      sync.Mutex
	live    map[string]hub.Peer
	closing bool
	wg      sync.WaitGroup
}

// New builds a Server. A nil Hub gets a fresh registry.
func New(d Deps, opts Options) *Server {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 1024
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 16 << 20
	}
	if d.Hub == nil {
		d.Hub = hub.NewRegistry()
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.New(0, 1)
	}
	if d.AuthLimiter == nil {
		d.AuthLimiter = ratelimit.New(0, 1)
	}
	s := &Server{
		auth:     d.Auth,
		messages: d.Messages,
		files:    d.Files,
		hub:      d.Hub,
		limiter:  d.Limiter,
		authLim:  d.AuthLimiter,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConns)),
		live:     make(map[string]hub.Peer),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 << 10,
		WriteBufferSize: 4 << 10,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// Hub returns the registry of live connections.
func (s *Server) Hub() *hub.Registry { return s.hub }

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation
// it closes the listener and every live connection, waits for their
// workers to finish cleanup, and returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-done:
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("chat listener started")

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.CloseAll()
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if !s.sem.TryAcquire(1) {
			s.rejectTCP(nc, "at capacity")
			continue
		}
		if !s.admit() {
			s.sem.Release(1)
			s.rejectTCP(nc, "shutting down")
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			p := newTCPPeer(uuid.NewString(), nc, s.opts.WriteTimeout)
			src := newTCPSource(nc, s.opts.MaxFrameBytes, s.opts.IdleTimeout)
			s.serveConn(ctx, p, src, observability.TransportTCP)
		}()
	}
}

// CloseAll closes every live connection and refuses new ones. Their
// workers perform the usual cleanup, including leave notifications.
func (s *Server) CloseAll() {
	s.mu.Lock()
	s.closing = true
	peers := make([]hub.Peer, 0, len(s.live))
	for _, p := range s.live {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.Close()
	}
}

// Wait blocks until every connection worker has returned.
func (s *Server) Wait() { s.wg.Wait() }

// admit counts a new connection worker unless CloseAll has started. The
// closing check and wg.Add share s.mu so no worker is added once Wait may
// be running.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// track registers p for CloseAll. A peer tracked after CloseAll took its
// snapshot is closed at once.
func (s *Server) track(p hub.Peer) {
	s.mu.Lock()
	s.live[p.ID()] = p
	closing := s.closing
	s.mu.Unlock()
	if closing {
		_ = p.Close()
	}
}

func (s *Server) untrack(p hub.Peer) {
	s.mu.Lock()
	delete(s.live, p.ID())
	s.mu.Unlock()
}

func (s *Server) rejectTCP(nc net.Conn, reason string) {
	observability.ConnectionsRejected.WithLabelValues(observability.TransportTCP).Inc()
	log.Warn().Str("remote_addr", nc.RemoteAddr().String()).Str("reason", reason).Msg("connection rejected")
	_ = nc.SetWriteDeadline(time.Now().Add(time.Second))
	_ = protocol.WriteFrame(nc, unavailablePayload)
	_ = nc.Close()
}

// broadcast fans v out to room and records the deliveries.
func (s *Server) broadcast(room string, v any, exclude hub.Peer) {
	n := s.hub.Broadcast(room, v, exclude)
	observability.Deliveries.Add(float64(n))
}

// ClearRoom soft-deletes the history of room and tells its members.
func (s *Server) ClearRoom(ctx context.Context, room string) (int64, error) {
	room = normalizeRoom(room)
	n, err := s.messages.ClearRoom(ctx, room)
	if err != nil {
		return 0, err
	}
	s.broadcast(room, protocol.RoomClearedEvent{Type: protocol.EventRoomCleared, Room: room}, nil)
	return n, nil
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
