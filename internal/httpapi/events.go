package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// eventsUpgrader upgrades GET /v1/events to a WebSocket connection.
// CheckOrigin is permissive because this is an operational stream meant
// for local tooling (dashboards, log tailers), not browser-facing chat.
var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams every events.Bus publication — request/tool/
// memory/config lifecycle events, never turn content — to a WebSocket
// client as one JSON frame per event. This is the optional operational
// stream SPEC_FULL §9 layers alongside the required SSE chat stream;
// external dashboards and log tailers are the intended consumers, not
// the chat client.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("events websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// The connection is send-only from the server's side; drain reads so
	// control frames (ping/pong/close) are still processed.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-keepalive.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
