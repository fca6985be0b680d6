package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsMessage is the envelope for both directions of the socket.
//
//	server -> client: {"type":"reconcile","data":{...}}, {"type":"event","data":{...}}, {"type":"pong"}
//	client -> server: {"type":"ping"}, {"type":"heartbeat","sandbox_id":"..."}
type wsMessage struct {
	Type      string `json:"type"`
	SandboxID string `json:"sandbox_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// handleWebSocket streams a project's events over a WebSocket. Like the SSE
// stream it starts with a reconcile snapshot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.GetProject(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}

	ch := s.engine.Subscribe(id)
	defer s.engine.Unsubscribe(id, ch)

	rec, err := s.engine.Reconcile(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("project_id", id).Msg("websocket upgrade")
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	s.restoreInBackground(id, rec.Sandbox)
	if err := conn.send(wsMessage{Type: reconcileEvent, Data: rec}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readPump(ctx, conn, cancel)

	for {
		select {
		case <-ctx.Done():
			conn.mu.Lock()
			raw.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.mu.Unlock()
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.send(wsMessage{Type: "event", Data: event}); err != nil {
				s.logger.Debug().Err(err).Str("project_id", id).Msg("websocket write")
				return
			}
		}
	}
}

// readPump handles client pings and sandbox heartbeats until the peer goes
// away, then cancels the stream.
func (s *Server) readPump(ctx context.Context, c *wsConn, cancel context.CancelFunc) {
	defer cancel()
	conn := c.conn
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg wsMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			if c.send(wsMessage{Type: "pong"}) != nil {
				return
			}
		case "heartbeat":
			if msg.SandboxID == "" {
				continue
			}
			sb, err := s.engine.Heartbeat(ctx, msg.SandboxID)
			if err != nil {
				c.send(wsMessage{Type: "error", Data: errorResponse{Error: err.Error()}})
				continue
			}
			c.send(wsMessage{Type: "sandbox", Data: sb})
		}
	}
}
