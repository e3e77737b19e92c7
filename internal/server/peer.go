package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbourn/go-chat-server/internal/protocol"
)

var unavailablePayload, _ = json.Marshal(protocol.Fail(protocol.CodeUnavailable, "Server unavailable"))

// frameSource yields one JSON document at a time. The returned slice is
// only valid until the next call.
type frameSource interface {
	ReadFrame() ([]byte, error)
}

// tcpPeer writes newline-delimited frames to a TCP connection. Writes are
// serialized so concurrent broadcasts never interleave.
type tcpPeer struct {
	id      string
	conn    net.Conn
	timeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newTCPPeer(id string, conn net.Conn, writeTimeout time.Duration) *tcpPeer {
	return &tcpPeer{id: id, conn: conn, timeout: writeTimeout}
}

func (p *tcpPeer) ID() string { return p.id }

func (p *tcpPeer) RemoteAddr() string { return p.conn.RemoteAddr().String() }

func (p *tcpPeer) Send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	}
	return protocol.WriteFrame(p.conn, payload)
}

func (p *tcpPeer) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.conn.Close() })
	return err
}

// tcpSource applies the idle deadline before every read.
type tcpSource struct {
	conn net.Conn
	r    *protocol.Reader
	idle time.Duration
}

func newTCPSource(conn net.Conn, maxFrame int, idle time.Duration) *tcpSource {
	return &tcpSource{conn: conn, r: protocol.NewReader(conn, maxFrame), idle: idle}
}

func (s *tcpSource) ReadFrame() ([]byte, error) {
	if s.idle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
	}
	return s.r.ReadFrame()
}

// wsPeer sends each payload as one text message.
type wsPeer struct {
	id      string
	conn    *websocket.Conn
	timeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSPeer(id string, conn *websocket.Conn, writeTimeout time.Duration) *wsPeer {
	return &wsPeer{id: id, conn: conn, timeout: writeTimeout}
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) RemoteAddr() string { return p.conn.RemoteAddr().String() }

func (p *wsPeer) Send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	}
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *wsPeer) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.conn.Close() })
	return err
}

// wsSource treats every data message as one document.
type wsSource struct {
	conn *websocket.Conn
	idle time.Duration
}

func newWSSource(conn *websocket.Conn, maxFrame int, idle time.Duration) *wsSource {
	conn.SetReadLimit(int64(maxFrame))
	return &wsSource{conn: conn, idle: idle}
}

func (s *wsSource) ReadFrame() ([]byte, error) {
	for {
		if s.idle > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
		}
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, protocol.ErrFrameTooLarge
			}
			return nil, err
		}
		if b = bytes.TrimSpace(b); len(b) > 0 {
			return b, nil
		}
	}
}
