package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"nzbstream/pkg/logger"
)

// upgrader follows the teacher's permissive-origin dashboard socket:
// this service has no browser-facing auth surface of its own, so the
// same "allow all origins" default applies.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogStream upgrades to a websocket connection, replays recent
// history, then streams new log lines as they're emitted. It's the one
// ambient dashboard surface named in the spec's optional-extras list;
// everything else about the service is driven by the upload/stream
// endpoints.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("server: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for _, line := range logger.GetHistory() {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	ch := make(chan string, 64)
	logger.Subscribe(ch)
	defer logger.Unsubscribe(ch)

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case line := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
