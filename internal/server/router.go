package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tasktide/collab/internal/realtime"
	"github.com/tasktide/collab/internal/storage"
)

const userIDContextKey = "collab_user_id"

var (
	errMissingCore          = errors.New("collaboration core dependency required")
	errMissingVerifier      = errors.New("token verifier dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type Dependencies struct {
	Core     *realtime.Core
	Verifier realtime.TokenVerifier
	Archive  *storage.Store
	Logger   *zap.Logger
}

// NewHTTPHandler assembles the HTTP surface: the websocket endpoint, the
// presence and activity read endpoints, and the internal entry points the
// external mutation layer calls after committing a change.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Core == nil {
		return nil, errMissingCore
	}
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		core:     deps.Core,
		verifier: deps.Verifier,
		archive:  deps.Archive,
		logger:   logger,
	}
	ws := newWebsocketHandler(deps.Core, logger.Named("ws"))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", ws.handleUpgrade)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/workspaces/:workspaceId/online", handler.handleOnlineUsers)
	protected.GET("/workspaces/:workspaceId/events", handler.handleEventFeed)
	protected.POST("/internal/workspaces/:workspaceId/events", handler.handlePublishEvent)
	protected.POST("/internal/workspaces/:workspaceId/mutations", handler.handlePublishMutation)

	return router, nil
}

type httpHandler struct {
	core     *realtime.Core
	verifier realtime.TokenVerifier
	archive  *storage.Store
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type onlineResponsePayload struct {
	WorkspaceID string   `json:"workspace_id"`
	Users       []string `json:"users"`
}

func (h *httpHandler) handleOnlineUsers(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	users := h.core.OnlineUsers(workspaceID)
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, onlineResponsePayload{WorkspaceID: workspaceID, Users: users})
}

type eventFeedEntryPayload struct {
	Sequence         int64           `json:"sequence"`
	EventType        string          `json:"event_type"`
	ActorID          string          `json:"actor_id"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAtSeconds int64           `json:"created_at_s"`
}

type eventFeedResponsePayload struct {
	WorkspaceID string                  `json:"workspace_id"`
	Events      []eventFeedEntryPayload `json:"events"`
}

func (h *httpHandler) handleEventFeed(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive_disabled"})
		return
	}

	workspaceID := c.Param("workspaceId")
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	records, err := h.archive.RecentEvents(c.Request.Context(), workspaceID, after, limit)
	if err != nil {
		h.logger.Error("failed to list archived events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feed_failed"})
		return
	}

	response := eventFeedResponsePayload{
		WorkspaceID: workspaceID,
		Events:      make([]eventFeedEntryPayload, 0, len(records)),
	}
	for _, record := range records {
		response.Events = append(response.Events, eventFeedEntryPayload{
			Sequence:         record.Sequence,
			EventType:        record.EventType,
			ActorID:          record.ActorID,
			Payload:          json.RawMessage(record.PayloadJSON),
			CreatedAtSeconds: record.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, response)
}

type publishEventPayload struct {
	EventType string          `json:"event_type"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload"`
}

type publishEventResponsePayload struct {
	Sequence int64 `json:"sequence"`
}

func (h *httpHandler) handlePublishEvent(c *gin.Context) {
	workspaceID := c.Param("workspaceId")

	var request publishEventPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.EventType) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	event, err := h.core.PublishEvent(workspaceID, realtime.EventType(request.EventType), request.Payload, "", request.ActorID)
	if err != nil {
		h.logger.Error("failed to publish event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}
	c.JSON(http.StatusAccepted, publishEventResponsePayload{Sequence: event.Sequence})
}

type publishMutationPayload struct {
	EntityID    string          `json:"entity_id"`
	EventType   string          `json:"event_type"`
	BaseVersion *int64          `json:"base_version"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload"`
}

type publishMutationResponsePayload struct {
	Accepted       bool   `json:"accepted"`
	NewVersion     int64  `json:"new_version,omitempty"`
	CurrentVersion int64  `json:"current_version,omitempty"`
	OwnerID        string `json:"owner_id,omitempty"`
	Sequence       int64  `json:"sequence,omitempty"`
}

func (h *httpHandler) handlePublishMutation(c *gin.Context) {
	workspaceID := c.Param("workspaceId")

	var request publishMutationPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.EntityID == "" || request.BaseVersion == nil || request.ActorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.core.ApplyMutation(c.Request.Context(), realtime.MutationRequest{
		WorkspaceID: workspaceID,
		EntityID:    request.EntityID,
		EventType:   realtime.EventType(request.EventType),
		BaseVersion: *request.BaseVersion,
		Payload:     request.Payload,
		ActorID:     request.ActorID,
	})
	switch {
	case errors.Is(err, realtime.ErrInvalidVersion):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_base_version"})
		return
	case errors.Is(err, realtime.ErrVersionStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "version_store_unavailable"})
		return
	case err != nil:
		h.logger.Error("failed to apply mutation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mutation_failed"})
		return
	}

	if !result.Classification.Accepted {
		c.JSON(http.StatusConflict, publishMutationResponsePayload{
			Accepted:       false,
			CurrentVersion: result.Classification.CurrentVersion,
			OwnerID:        result.Classification.OwnerID,
		})
		return
	}

	response := publishMutationResponsePayload{
		Accepted:   true,
		NewVersion: result.Classification.NewVersion,
	}
	if result.Event != nil {
		response.Sequence = result.Event.Sequence
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.verifier.VerifyToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
