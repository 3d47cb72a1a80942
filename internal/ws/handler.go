package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auxqueue/server/internal/queue"
	"github.com/auxqueue/server/internal/resolver"
	"github.com/auxqueue/server/pkg/database"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // In production, implement proper origin checking
	},
}

// Player-control events the server relays verbatim without interpreting.
var relayTypes = map[string]struct{}{
	"skip":           {},
	"pause":          {},
	"resume":         {},
	"seek":           {},
	"volume_change":  {},
	"track_started":  {},
	"track_progress": {},
	"clear_player":   {},
	"request_state":  {},
	"state_update":   {},
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type addTrackPayload struct {
	URL string `json:"url"`
}

type voteTrackPayload struct {
	TrackID string `json:"track_id"`
	Vote    int    `json:"vote"`
	UserID  string `json:"user_id"`
}

// Handler upgrades client connections, registers them with the hub and
// dispatches inbound commands to the queue engine.
type Handler struct {
	hub      *Hub
	store    database.Store
	service  *queue.Service
	resolver resolver.Resolver
	logger   *zap.Logger
}

func NewHandler(hub *Hub, store database.Store, service *queue.Service, trackResolver resolver.Resolver, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		store:    store,
		service:  service,
		resolver: trackResolver,
		logger:   logger,
	}
}

func (h *Handler) HandleWebSocket(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	if _, err := h.store.GetSession(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	userID := c.GetString("user_id") // set by auth middleware when a token was sent
	conn := newConn(h.hub, ws, sessionID, userID)
	h.hub.Register(conn)
	go conn.writePump()
	defer h.hub.Unregister(conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed",
					zap.String("session_id", sessionID.String()),
					zap.Error(err))
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		h.dispatch(c.Request.Context(), conn, sessionID, msg, raw)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, sessionID uuid.UUID, msg inboundMessage, raw []byte) {
	switch msg.Type {
	case "add_track":
		var payload addTrackPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.URL == "" {
			return
		}
		h.handleAddTrack(ctx, conn, sessionID, payload.URL)

	case "vote_track":
		var payload voteTrackPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		h.handleVote(ctx, conn, sessionID, payload)

	default:
		if _, relay := relayTypes[msg.Type]; relay {
			h.hub.broadcastRaw(sessionID, raw)
		}
	}
}

func (h *Handler) handleAddTrack(ctx context.Context, conn *Conn, sessionID uuid.UUID, url string) {
	descriptor, err := h.resolver.Resolve(ctx, url)
	if err != nil {
		h.sendError(conn, err)
		return
	}

	userID := uuid.Nil
	if parsed, err := uuid.Parse(conn.userID); err == nil {
		userID = parsed
	}

	if _, err := h.service.Enqueue(ctx, sessionID, descriptor, userID); err != nil {
		h.sendError(conn, err)
	}
}

func (h *Handler) handleVote(ctx context.Context, conn *Conn, sessionID uuid.UUID, payload voteTrackPayload) {
	itemID, err := uuid.Parse(payload.TrackID)
	if err != nil {
		return
	}

	// Prefer the authenticated identity; fall back to the payload's
	// user id for clients that joined before upgrading.
	rawUser := conn.userID
	if rawUser == "" {
		rawUser = payload.UserID
	}
	userID, err := uuid.Parse(rawUser)
	if err != nil {
		h.sendError(conn, database.ErrUnauthenticatedVote)
		return
	}

	if _, err := h.service.Vote(ctx, sessionID, itemID, userID, payload.Vote); err != nil {
		h.sendError(conn, err)
	}
}

// sendError reports a failed command back to the issuing connection only.
func (h *Handler) sendError(conn *Conn, err error) {
	message, marshalErr := json.Marshal(map[string]interface{}{
		"type":    "error",
		"payload": map[string]string{"message": err.Error()},
	})
	if marshalErr != nil {
		return
	}
	conn.trySend(message)
}
