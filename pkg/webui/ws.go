package webui

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"appforge/internal/session"
	"appforge/pkg/proto"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second
	// pongWait is how long we wait for a pong before dropping the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxCommandBytes bounds inbound command frames.
	maxCommandBytes = 1 << 20
)

// wsConn serializes writes; gorilla connections allow one concurrent writer
// and both pumps produce frames.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeControl(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// handleWebSocket implements GET /api/agent/{id}/ws. The first frame is the
// full AgentState snapshot; after that the client receives every broadcast
// the hub lets through and may send commands at any time.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.authorize(w, r, id); !ok {
		return
	}
	agent, ok := s.liveAgent(w, id)
	if !ok {
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade for %s failed: %v", id, err)
		return
	}
	conn := &wsConn{conn: raw}

	sub := agent.Subscribe()
	defer agent.Unsubscribe(sub)
	s.logger.Info("websocket client connected to agent %s", id)

	done := make(chan struct{})
	go s.readPump(conn, agent, done)
	s.writePump(conn, sub, done)
	s.logger.Info("websocket client disconnected from agent %s", id)
}

// readPump parses inbound frames into commands and dispatches them. It owns
// the connection's read side; closing done tears down the write pump.
func (s *Server) readPump(conn *wsConn, agent *session.Agent, done chan struct{}) {
	defer close(done)

	conn.conn.SetReadLimit(maxCommandBytes)
	_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error for agent %s: %v", agent.ID, err)
			}
			return
		}

		msg, err := proto.Parse(data)
		if err != nil {
			s.writeControlError(conn, "unparseable command: "+err.Error())
			continue
		}
		if !proto.IsCommand(msg.Type) {
			s.writeControlError(conn, "not a command: "+string(msg.Type))
			continue
		}
		if err := agent.Command(msg); err != nil {
			s.writeControlError(conn, err.Error())
		}
	}
}

// writePump drains the subscriber feed onto the socket and keeps the
// connection alive with pings. Returns when the feed closes or the reader
// signals done.
func (s *Server) writePump(conn *wsConn, sub *session.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = conn.conn.Close() }()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				_ = conn.writeControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent closed"))
				return
			}
			if err := conn.writeJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// writeControlError reports a bad inbound command without dropping the
// connection.
func (s *Server) writeControlError(conn *wsConn, text string) {
	_ = conn.writeJSON(proto.NewErrorMsg(proto.MsgError, text))
}
