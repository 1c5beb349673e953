package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Time allowed for an input or resize command to reach the session.
	commandTimeout = 5 * time.Second
)

// MessageType represents the type of a JSON text message.
type MessageType string

const (
	// Viewer -> server
	MessageTypeInput  MessageType = "input"
	MessageTypeResize MessageType = "resize"
	MessageTypePing   MessageType = "ping"

	// Server -> viewer
	MessageTypePong  MessageType = "pong"
	MessageTypeError MessageType = "error"
)

// Message is a JSON text message exchanged with a viewer. Frames travel as
// binary messages.
type Message struct {
	Type   MessageType       `json:"type"`
	Event  *model.InputEvent `json:"event,omitempty"`
	Width  int               `json:"width,omitempty"`
	Height int               `json:"height,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Hello is the first message sent after the upgrade.
type Hello struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

// Controller forwards viewer commands to the owning session.
type Controller interface {
	Input(ctx context.Context, id string, ev model.InputEvent) error
	Resize(ctx context.Context, id string, width, height int) error
}

var errConnClosed = errors.New("connection closed")

// conn serializes writes to one WebSocket connection. Pings go through
// WriteControl, which gorilla allows concurrently with other writes.
type conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

// WriteFrame implements FrameWriter.
func (c *conn) WriteFrame(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

func (c *conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame and closes the connection.
func (c *conn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *conn) closeWith(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.ws.Close()
}

// Handler attaches WebSocket viewers to session hubs.
type Handler struct {
	hubs     *HubManager
	sessions Controller
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hubs *HubManager, sessions Controller, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hubs:     hubs,
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// Viewers are not authenticated; any origin may attach.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and attaches it as a viewer of the
// session. The caller must have ensured the session is live. Errors are only
// returned for a failed upgrade, for which a response was already written.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := newConn(wsConn)
	logger := h.logger.With(zap.String("session", sessionID), zap.String("remote", r.RemoteAddr))

	if err := c.WriteJSON(Hello{OK: true, ID: sessionID}); err != nil {
		logger.Debug("hello failed", zap.Error(err))
		c.Close()
		return nil
	}

	viewer, err := h.hubs.Attach(sessionID, c)
	if err != nil {
		logger.Info("attach refused", zap.Error(err))
		c.closeWith(websocket.CloseGoingAway, "stream closed")
		return nil
	}

	go h.keepalive(c, viewer)
	go h.readPump(c, viewer, logger)
	return nil
}

// readPump handles viewer messages until the connection fails.
func (h *Handler) readPump(c *conn, viewer *Viewer, logger *zap.Logger) {
	defer h.hubs.Detach(viewer)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("malformed message", zap.Error(err))
			c.WriteJSON(Message{Type: MessageTypeError, Error: "malformed message"})
			continue
		}
		h.handleMessage(c, viewer.SessionID(), &msg, logger)
	}
}

// handleMessage processes one viewer message.
func (h *Handler) handleMessage(c *conn, sessionID string, msg *Message, logger *zap.Logger) {
	switch msg.Type {
	case MessageTypeInput:
		if msg.Event == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := h.sessions.Input(ctx, sessionID, *msg.Event); err != nil {
			logger.Debug("input rejected", zap.Error(err))
		}
	case MessageTypeResize:
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := h.sessions.Resize(ctx, sessionID, msg.Width, msg.Height); err != nil {
			logger.Debug("resize rejected", zap.Error(err))
		}
	case MessageTypePing:
		c.WriteJSON(Message{Type: MessageTypePong})
	}
}

// keepalive pings the viewer until it is detached.
func (h *Handler) keepalive(c *conn, viewer *Viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-viewer.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				h.hubs.Detach(viewer)
				return
			}
		}
	}
}
