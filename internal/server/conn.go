package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-server/internal/hub"
	"github.com/tbourn/go-chat-server/internal/observability"
	"github.com/tbourn/go-chat-server/internal/protocol"
	"github.com/tbourn/go-chat-server/internal/services"
)

type state int

const (
	stateConnecting state = iota
	stateAuthenticating
	stateAuthenticated
	stateInRoom
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthenticated:
		return "authenticated"
	case stateInRoom:
		return "in_room"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// errTransport wraps send failures; the connection is finished.
	errTransport = errors.New("transport failure")
	// errLogout ends the read loop after a successful logout.
	errLogout = errors.New("logged out")
)

// conn is the per-connection state machine. It is owned by exactly one
// goroutine; only the peer is shared (through the registry).
type conn struct {
	srv       *Server
	peer      hub.Peer
	src       frameSource
	transport string
	log       zerolog.Logger

	state    state
	username string
	room     string
}

// serveConn runs one connection from accept to cleanup. A panic in a
// handler is logged and ends only this connection.
func (s *Server) serveConn(ctx context.Context, p hub.Peer, src frameSource, transport string) {
	c := &conn{
		srv:       s,
		peer:      p,
		src:       src,
		transport: transport,
		state:     stateConnecting,
		log: log.With().
			Str("conn_id", p.ID()).
			Str("remote_addr", p.RemoteAddr()).
			Str("transport", transport).
			Logger(),
	}
	s.track(p)
	observability.ConnectionsActive.WithLabelValues(transport).Inc()

	defer c.cleanup()
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("state", c.state.String()).
				Msg("connection worker panicked")
		}
	}()

	c.log.Debug().Msg("connection accepted")
	c.state = stateAuthenticating
	if !c.authenticate(ctx) {
		return
	}
	c.loop(ctx)
}

// authenticate handles the mandatory first document. Any failure ends the
// connection after the reply.
func (c *conn) authenticate(ctx context.Context) bool {
	frame, err := c.src.ReadFrame()
	if err != nil {
		c.logReadEnd(err)
		return false
	}
	req, err := protocol.ParseAuth(frame)
	if err != nil {
		c.log.Warn().Err(err).Msg("first document is not an auth request")
		_ = c.send(protocol.AuthReply{OK: false, Code: protocol.CodeValidation, Msg: "Expected login or register"})
		return false
	}
	if !c.srv.authLim.Allow(hostOf(c.peer.RemoteAddr())) {
		observability.AuthAttempts.WithLabelValues(req.Action, "limited").Inc()
		_ = c.send(protocol.AuthReply{OK: false, Code: protocol.CodeRateLimited, Msg: "Too many attempts"})
		return false
	}

	var res *services.AuthResult
	switch req.Action {
	case protocol.ActionRegister:
		res, err = c.srv.auth.Register(ctx, req.Username, req.Password)
	default:
		res, err = c.srv.auth.Login(ctx, req.Username, req.Password)
	}
	if err != nil {
		code, msg := classify(err)
		if code == protocol.CodeInternal {
			c.log.Error().Err(err).Str("action", req.Action).Msg("authentication failed")
		} else {
			c.log.Info().Str("action", req.Action).Str("code", code).Msg("authentication rejected")
		}
		observability.AuthAttempts.WithLabelValues(req.Action, code).Inc()
		_ = c.send(protocol.AuthReply{OK: false, Code: code, Msg: msg})
		return false
	}
	observability.AuthAttempts.WithLabelValues(req.Action, "ok").Inc()

	c.username = res.Username
	c.srv.hub.Register(c.peer)
	c.srv.hub.SetUsername(c.peer, c.username)
	c.state = stateAuthenticated
	c.log = c.log.With().Str("username", c.username).Logger()
	c.log.Info().Str("action", req.Action).Msg("authenticated")

	msg := "Login successful"
	if req.Action == protocol.ActionRegister {
		msg = "Registration successful"
	}
	return c.send(protocol.AuthReply{OK: true, Msg: msg, Session: res.Token, Username: res.Username}) == nil
}

// loop reads and dispatches requests until the connection ends.
func (c *conn) loop(ctx context.Context) {
	for {
		frame, err := c.src.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				c.log.Warn().Msg("frame too large; closing")
				_ = c.send(protocol.Fail(protocol.CodeValidation, "Request is too large"))
				return
			}
			c.logReadEnd(err)
			return
		}

		req, err := protocol.Parse(frame)
		if err != nil {
			if errors.Is(err, protocol.ErrBadFields) {
				observability.Requests.WithLabelValues("invalid", "error").Inc()
				if c.send(protocol.Fail(protocol.CodeValidation, "Invalid request fields")) != nil {
					return
				}
				continue
			}
			c.log.Warn().Err(err).Msg("malformed document; closing")
			return
		}

		if err := c.dispatch(ctx, req); err != nil {
			if !errors.Is(err, errLogout) {
				c.log.Debug().Err(err).Msg("connection finished")
			}
			return
		}
	}
}

// send encodes v and writes it to this connection only.
func (c *conn) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := c.peer.Send(b); err != nil {
		_ = c.peer.Close()
		return fmt.Errorf("%w: %v", errTransport, err)
	}
	return nil
}

// cleanup unregisters the connection and tells its room it left.
func (c *conn) cleanup() {
	c.state = stateClosed
	last, ok := c.srv.hub.Unregister(c.peer)
	_ = c.peer.Close()
	c.srv.untrack(c.peer)
	observability.ConnectionsActive.WithLabelValues(c.transport).Dec()

	if ok && last.Room != "" && last.Username != "" {
		c.srv.broadcast(last.Room, protocol.PresenceEvent{
			Type:     protocol.EventUserLeft,
			Username: last.Username,
			Users:    c.srv.hub.MembersOf(last.Room),
		}, nil)
	}
	c.log.Debug().Msg("connection closed")
}

func (c *conn) logReadEnd(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.log.Debug().Msg("peer closed")
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		c.log.Info().Msg("idle timeout")
	default:
		c.log.Debug().Err(err).Msg("read failed")
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
