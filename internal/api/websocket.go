package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"candlelake/internal/task"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is served same-host or behind a proxy; origin enforcement
	// happens there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleIngestWS streams task state transitions as JSON frames. On
// connect the client first receives a snapshot of every known task.
func (s *Server) handleIngestWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "snapshot", "tasks": s.supervisor.Snapshot()}); err != nil {
		return
	}

	events := make(chan task.Event, 64)
	s.bus.Subscribe(events)
	defer s.bus.Unsubscribe(events)

	// Reader goroutine: the client sends nothing meaningful, but reads
	// surface disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt := <-events:
			if err := conn.WriteJSON(map[string]any{"type": "event", "event": evt}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
