package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tar-bin/atrarium-sub000/internal/stream"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is handled by the cors middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream opens a live websocket subscription on the group's
// broadcaster. The cap is enforced before the upgrade so a rejected client
// gets a plain 503.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	inst := s.instance(r)

	sub, err := inst.Broadcaster().Subscribe()
	if err != nil {
		if errors.Is(err, stream.ErrTooManyConnections) {
			writeError(w, http.StatusServiceUnavailable, "TooManyConnections", err.Error())
			return
		}
		s.writeActorError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		inst.Broadcaster().Unsubscribe(sub.ID())
		s.logger.Warn("websocket upgrade failed", "group", inst.ID(), "error", err)
		return
	}

	s.logger.Info("stream subscriber connected", "group", inst.ID(), "connection_id", sub.ID())
	defer func() {
		inst.Broadcaster().Unsubscribe(sub.ID())
		conn.Close()
		s.logger.Info("stream subscriber disconnected", "group", inst.ID(), "connection_id", sub.ID())
	}()

	// Reader goroutine only to detect the client closing the connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				// One dead connection never blocks others; the broadcaster
				// drops only this subscriber.
				return
			}
		}
	}
}
