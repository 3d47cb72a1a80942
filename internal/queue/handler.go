package queue

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/auxqueue/server/internal/resolver"
	"github.com/auxqueue/server/pkg/database"
)

type Handler struct {
	service  *Service
	resolver resolver.Resolver
}

func NewHandler(service *Service, trackResolver resolver.Resolver) *Handler {
	return &Handler{service: service, resolver: trackResolver}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sessions := r.Group("/sessions/:id")
	{
		sessions.POST("/queue", h.enqueue)
		sessions.POST("/queue/file", h.enqueueFile)
		sessions.GET("/queue", h.getQueue)
		sessions.POST("/queue/pop", h.popNext)
		sessions.POST("/queue/:itemId/vote", h.vote)
	}
}

type EnqueueRequest struct {
	URL string `json:"url" binding:"required"`
}

func (h *Handler) enqueue(c *gin.Context) {
	sessionID, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}

	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	descriptor, err := h.resolver.Resolve(c.Request.Context(), req.URL)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, resolver.ErrResolutionFailed) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	item, err := h.service.Enqueue(c.Request.Context(), sessionID, descriptor, userIDFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, item)
}

type EnqueueFileRequest struct {
	Title       string `json:"title"`
	Path        string `json:"path" binding:"required"`
	Duration    int    `json:"duration"`
	ContentHash string `json:"content_hash" binding:"required"`
}

func (h *Handler) enqueueFile(c *gin.Context) {
	sessionID, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}

	var req EnqueueFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	descriptor, err := resolver.FileDescriptor(req.Title, req.Path, req.Duration, req.ContentHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.service.Enqueue(c.Request.Context(), sessionID, descriptor, userIDFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, item)
}

func (h *Handler) getQueue(c *gin.Context) {
	sessionID, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}

	items, err := h.service.GetQueue(c.Request.Context(), sessionID, userIDFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) popNext(c *gin.Context) {
	sessionID, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}

	item, err := h.service.PopNext(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "queue is empty"})
		return
	}

	c.JSON(http.StatusOK, item)
}

type VoteRequest struct {
	Vote int `json:"vote" binding:"required,oneof=-1 1"`
}

func (h *Handler) vote(c *gin.Context) {
	sessionID, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	itemID, ok := parseID(c, c.Param("itemId"))
	if !ok {
		return
	}

	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.service.Vote(c.Request.Context(), sessionID, itemID, userIDFrom(c), req.Vote)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

func parseID(c *gin.Context, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// userIDFrom reads the user id placed in the context by the auth middleware;
// uuid.Nil when the request is anonymous.
func userIDFrom(c *gin.Context) uuid.UUID {
	raw := c.GetString("user_id")
	if raw == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrDuplicateTrack):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrUnauthenticatedVote):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
