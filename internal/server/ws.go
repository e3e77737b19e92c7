package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-server/internal/observability"
)

// ServeWS upgrades the request to a WebSocket and serves the chat protocol
// on it, one JSON document per text message. It blocks until the
// connection ends and shares the connection bound with the TCP listener.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !s.sem.TryAcquire(1) {
		rejectWS(w)
		return
	}
	defer s.sem.Release(1)
	if !s.admit() {
		rejectWS(w)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	p := newWSPeer(uuid.NewString(), conn, s.opts.WriteTimeout)
	src := newWSSource(conn, s.opts.MaxFrameBytes, s.opts.IdleTimeout)
	s.serveConn(r.Context(), p, src, observability.TransportWS)
}

func rejectWS(w http.ResponseWriter) {
	observability.ConnectionsRejected.WithLabelValues(observability.TransportWS).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(unavailablePayload)
}
