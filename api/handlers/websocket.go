package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/dashboard-autoreload/renderproxy/internal/session"
	"github.com/dashboard-autoreload/renderproxy/internal/ws"
)

// WebSocketHandler handles WebSocket connections for frame streams.
type WebSocketHandler struct {
	sessionManager *session.Manager
	wsHandler      *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(sessionManager *session.Manager, wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		wsHandler:      wsHandler,
	}
}

// Attach handles GET /ws/:id - streams a session's frames over WebSocket.
// The session is started from the registry if it is not live yet, so an
// unknown id is refused before the upgrade.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	id := c.Param("id")
	if _, _, err := h.sessionManager.Ensure(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, id); err != nil {
		// The upgrader already wrote the response.
		return
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws/:id", h.Attach)
}
