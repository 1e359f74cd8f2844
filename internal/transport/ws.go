package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeMessage is the client's handshake over the WebSocket connection
// (§4.10): `{action: "subscribe", events: [...]}`.
type subscribeMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// handleWS upgrades the connection and streams matching published events
// as `{type:"event", ...}` frames (§6.2) until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Error(r.Context(), "transport: websocket upgrade failed", err, nil)
		}
		return
	}
	defer conn.Close()

	var sub subscribeMessage
	if err := conn.ReadJSON(&sub); err != nil {
		return
	}
	events := sub.Events
	if len(events) == 0 {
		events = []string{"*"}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wireEvents, subID, err := s.bus.Subscribe(ctx, events...)
	if err != nil {
		return
	}
	defer s.bus.Unsubscribe(subID)

	go s.drainClientReads(conn, cancel)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-wireEvents:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// drainClientReads discards further client frames (this surface is
// server-streamed, not bidirectional past the initial subscribe) so the
// connection's read deadline/pong handling keeps working; it cancels ctx
// once the client goes away.
func (s *Server) drainClientReads(conn *websocket.Conn, cancel func()) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
