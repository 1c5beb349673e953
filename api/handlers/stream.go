// Package handlers provides HTTP API request handlers.
package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dashboard-autoreload/renderproxy/internal/model"
	"github.com/dashboard-autoreload/renderproxy/internal/session"
)

// StreamHandler handles HTTP requests for stream links and their sessions.
type StreamHandler struct {
	sessionManager *session.Manager
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(sessionManager *session.Manager) *StreamHandler {
	return &StreamHandler{
		sessionManager: sessionManager,
	}
}

// dimension accepts a JSON number or a numeric string. Anything else
// decodes to zero, which the session replaces with the default size.
type dimension int

func (d *dimension) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		*d = 0
		return nil
	}
	*d = dimension(f)
	return nil
}

// CreateStreamRequest represents the request body for creating a stream.
type CreateStreamRequest struct {
	URL    string     `json:"url" binding:"required"`
	Width  *dimension `json:"width"`
	Height *dimension `json:"height"`
}

// viewport returns the requested viewport, or nil when neither dimension
// was sent.
func (r *CreateStreamRequest) viewport() *model.Viewport {
	if r.Width == nil && r.Height == nil {
		return nil
	}
	var vp model.Viewport
	if r.Width != nil {
		vp.Width = int(*r.Width)
	}
	if r.Height != nil {
		vp.Height = int(*r.Height)
	}
	vp = vp.Clamp()
	return &vp
}

// ResizeRequest represents the request body for resizing a stream.
type ResizeRequest struct {
	Width  dimension `json:"width"`
	Height dimension `json:"height"`
}

// CreateStreamResponse is returned by POST /api/create.
type CreateStreamResponse struct {
	OK       bool   `json:"ok"`
	ID       string `json:"id"`
	Existing bool   `json:"existing,omitempty"`
	View     string `json:"view"`
	Stream   string `json:"stream"`
	WS       string `json:"ws"`
}

// LinkResponse represents a link in API responses.
type LinkResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"createdAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func toLinkResponse(l *model.Link) LinkResponse {
	return LinkResponse{
		ID:        l.ID,
		URL:       l.URL,
		CreatedAt: l.CreatedAtMillis(),
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		OK:    false,
		Error: message,
		Code:  code,
	})
}

// writeError maps a domain error onto its HTTP status and code.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		sendError(c, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, model.ErrNotFound):
		sendError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, model.ErrCapacity):
		sendError(c, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
	default:
		_ = c.Error(err)
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

// List handles GET /api/list - lists every registered link, newest first.
func (h *StreamHandler) List(c *gin.Context) {
	links, err := h.sessionManager.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	list := make([]LinkResponse, len(links))
	for i, l := range links {
		list[i] = toLinkResponse(l)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "list": list})
}

// Sessions handles GET /api/sessions - reports the live render sessions.
func (h *StreamHandler) Sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": h.sessionManager.Sessions()})
}

// Create handles POST /api/create - registers a URL and starts its session.
func (h *StreamHandler) Create(c *gin.Context) {
	var req CreateStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_INPUT", "url is required")
		return
	}

	link, existing, err := h.sessionManager.Create(c.Request.Context(), req.URL, req.viewport())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, CreateStreamResponse{
		OK:       true,
		ID:       link.ID,
		Existing: existing,
		View:     "/view/" + link.ID,
		Stream:   "/ws/" + link.ID,
		WS:       "/ws/" + link.ID,
	})
}

// Delete handles POST /api/delete/:id - closes the session and forgets the link.
func (h *StreamHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessionManager.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": id})
}

// Input handles POST /api/input/:id - forwards one pointer or key event.
func (h *StreamHandler) Input(c *gin.Context) {
	var ev model.InputEvent
	if err := c.ShouldBindJSON(&ev); err != nil || ev.Type == "" {
		sendError(c, http.StatusBadRequest, "INVALID_INPUT", "invalid input event")
		return
	}

	if err := h.sessionManager.Input(c.Request.Context(), c.Param("id"), ev); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Resize handles POST /api/resize/:id - changes the session viewport.
func (h *StreamHandler) Resize(c *gin.Context) {
	var req ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_INPUT", "invalid resize request")
		return
	}

	if err := h.sessionManager.Resize(c.Request.Context(), c.Param("id"), int(req.Width), int(req.Height)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RegisterRoutes registers the stream handler routes on a Gin router group.
// inputLimit runs in front of the input endpoint only.
func (h *StreamHandler) RegisterRoutes(rg *gin.RouterGroup, inputLimit ...gin.HandlerFunc) {
	rg.GET("/list", h.List)
	rg.GET("/sessions", h.Sessions)
	rg.POST("/create", h.Create)
	rg.POST("/delete/:id", h.Delete)
	input := append(append([]gin.HandlerFunc{}, inputLimit...), h.Input)
	rg.POST("/input/:id", input...)
	rg.POST("/resize/:id", h.Resize)
}
