package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/signalforge/aggregator/internal/statusbus"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketAPI handles GET /ws?job_id=&config_id=: subscribers attach with
// either a job id (job-specific delivery) or a configuration id (global
// delivery filtered by this handler to that configuration's messages), per
// spec §4.8. Message shapes follow §4.7/§6.
func (s *Server) WebSocketAPI(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	jobID := r.URL.Query().Get("job_id")
	configID := r.URL.Query().Get("config_id")

	listenerID := ulid.Make().String()
	ch := s.bus.Subscribe(listenerID, jobID)
	defer s.bus.Unsubscribe(listenerID)

	// readPump drains and discards client frames; its only purpose is to
	// detect connection close so the write loop can exit (teacher's
	// addClient/broadcastMessage pattern generalized to a job/config topic).
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
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if jobID == "" && configID != "" && msg.ConfigID != configID {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
