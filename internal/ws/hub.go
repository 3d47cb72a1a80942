package ws

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sendBufferSize = 32

// Conn is one registered client connection. Outbound messages go through a
// buffered channel drained by writePump, so a slow or dead peer never blocks
// a broadcast: when the buffer is full or a write fails, the connection is
// dropped and the rest of the session is unaffected.
type Conn struct {
	hub       *Hub
	ws        *websocket.Conn
	sessionID uuid.UUID
	userID    string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newConn(hub *Hub, ws *websocket.Conn, sessionID uuid.UUID, userID string) *Conn {
	return &Conn{
		hub:       hub,
		ws:        ws,
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan []byte, sendBufferSize),
	}
}

// trySend queues a message without blocking. A full buffer means the peer
// stopped reading; report failure so the hub can drop it.
func (c *Conn) trySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	if c.ws != nil {
		c.ws.Close()
	}
}

// writePump writes queued messages to the websocket until the send channel
// closes or a write fails.
func (c *Conn) writePump() {
	for message := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			c.hub.logger.Debug("websocket write failed",
				zap.String("session_id", c.sessionID.String()),
				zap.Error(err))
			c.hub.Unregister(c)
			// Drain whatever was queued before close so trySend calls
			// already in flight finish cleanly.
			for range c.send {
			}
			return
		}
	}
}

// Hub is the per-process fan-out registry: session id -> live connections.
// It is owned by the server instance and injected into handlers; all access
// to the registry goes through its mutex.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Conn]struct{}
	logger   *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[*Conn]struct{}),
		logger:   logger,
	}
}

func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[conn.sessionID]; !ok {
		h.sessions[conn.sessionID] = make(map[*Conn]struct{})
	}
	h.sessions[conn.sessionID][conn] = struct{}{}
}

// Unregister removes the connection and closes it. The session entry is
// removed entirely once its last connection leaves.
func (h *Hub) Unregister(conn *Conn) {
	h.mu.Lock()
	set, ok := h.sessions[conn.sessionID]
	if ok {
		if _, registered := set[conn]; registered {
			delete(set, conn)
			if len(set) == 0 {
				delete(h.sessions, conn.sessionID)
			}
		} else {
			ok = false
		}
	}
	h.mu.Unlock()

	if ok {
		conn.close()
	}
}

// Broadcast delivers an event to every connection registered for the
// session. Delivery is best effort and isolated per connection: a failing
// connection is unregistered, the others still receive the event.
func (h *Hub) Broadcast(sessionID uuid.UUID, event interface{}) {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal broadcast event", zap.Error(err))
		return
	}
	h.broadcastRaw(sessionID, message)
}

func (h *Hub) broadcastRaw(sessionID uuid.UUID, message []byte) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.sessions[sessionID]))
	for conn := range h.sessions[sessionID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if !conn.trySend(message) {
			h.logger.Warn("dropping slow websocket connection",
				zap.String("session_id", sessionID.String()),
				zap.String("user_id", conn.userID))
			h.Unregister(conn)
		}
	}
}

// CloseSession drops every connection of a session, e.g. when the session is
// deleted.
func (h *Hub) CloseSession(sessionID uuid.UUID) {
	h.mu.Lock()
	set := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for conn := range set {
		conn.close()
	}
}

// ConnectionCount reports the number of live connections for a session.
func (h *Hub) ConnectionCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
