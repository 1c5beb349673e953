package ws

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dashboard-autoreload/renderproxy/internal/buffer"
	"github.com/dashboard-autoreload/renderproxy/internal/metrics"
	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

// FrameWriter delivers frames to one remote viewer.
type FrameWriter interface {
	WriteFrame(frame []byte) error
	Close() error
}

// Viewer is one attached connection. Frames are pushed into a single-slot
// buffer and written by the viewer's own goroutine, so a slow viewer skips
// frames instead of queueing them or stalling the publisher.
type Viewer struct {
	handle uint64
	hub    *Hub
	out    FrameWriter
	slot   *buffer.Latest

	done      chan struct{}
	closeOnce sync.Once
}

func newViewer(handle uint64, hub *Hub, out FrameWriter) *Viewer {
	return &Viewer{
		handle: handle,
		hub:    hub,
		out:    out,
		slot:   buffer.NewLatest(),
		done:   make(chan struct{}),
	}
}

// SessionID returns the session the viewer is attached to.
func (v *Viewer) SessionID() string {
	return v.hub.sessionID
}

// Done is closed once the viewer is detached.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// Skipped returns how many frames were replaced before they could be written.
func (v *Viewer) Skipped() uint64 {
	return v.slot.Overwritten()
}

// push offers a frame to the viewer. It reports false once the viewer is
// closed.
func (v *Viewer) push(frame []byte) (ok, dropped bool) {
	select {
	case <-v.done:
		return false, false
	default:
	}
	return true, v.slot.Store(frame)
}

// run writes frames until the viewer closes or a write fails.
func (v *Viewer) run() {
	for {
		select {
		case <-v.done:
			return
		case <-v.slot.C():
			frame, ok := v.slot.Take()
			if !ok {
				continue
			}
			if err := v.out.WriteFrame(frame); err != nil {
				v.hub.logger.Debug("frame write failed", zap.Uint64("viewer", v.handle), zap.Error(err))
				v.hub.detach(v)
				return
			}
		}
	}
}

// close stops the writer and closes the transport. It reports whether this
// call did the closing.
func (v *Viewer) close() bool {
	closed := false
	v.closeOnce.Do(func() {
		close(v.done)
		v.slot.Clear()
		_ = v.out.Close()
		closed = true
	})
	return closed
}

// Hub manages the viewers of one session and caches its most recent frame.
type Hub struct {
	sessionID string
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	viewers map[uint64]*Viewer
	next    uint64
	last    []byte
	closed  bool
}

// NewHub creates a new Hub for the given session.
func NewHub(sessionID string, logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		sessionID: sessionID,
		logger:    logger.With(zap.String("session", sessionID)),
		metrics:   m,
		viewers:   make(map[uint64]*Viewer),
	}
}

// SessionID returns the session ID for this hub.
func (h *Hub) SessionID() string {
	return h.sessionID
}

// Attach registers out as a viewer. The cached frame, if any, is the first
// frame the viewer receives.
func (h *Hub) Attach(out FrameWriter) (*Viewer, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("hub %s: %w", h.sessionID, model.ErrNotFound)
	}
	h.next++
	v := newViewer(h.next, h, out)
	h.viewers[v.handle] = v
	if h.last != nil {
		v.slot.Store(h.last)
	}
	count := len(h.viewers)
	h.mu.Unlock()

	go v.run()
	h.metrics.ViewerAttached()
	h.logger.Debug("viewer attached", zap.Uint64("viewer", v.handle), zap.Int("viewers", count))
	return v, nil
}

// Detach removes a viewer and closes its transport. Detaching twice is a
// no-op.
func (h *Hub) Detach(v *Viewer) {
	h.detach(v)
}

func (h *Hub) detach(v *Viewer) {
	h.mu.Lock()
	if cur, ok := h.viewers[v.handle]; ok && cur == v {
		delete(h.viewers, v.handle)
	}
	h.mu.Unlock()

	skipped := v.Skipped()
	if v.close() {
		h.metrics.ViewerDetached()
		h.logger.Debug("viewer detached", zap.Uint64("viewer", v.handle), zap.Uint64("skipped", skipped))
	}
}

// Publish caches frame and offers it to every viewer. Viewers that are
// already closed are detached without affecting the others.
func (h *Hub) Publish(frame []byte) {
	var stale []*Viewer

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.last = frame
	for _, v := range h.viewers {
		ok, dropped := v.push(frame)
		if !ok {
			stale = append(stale, v)
			continue
		}
		if dropped {
			h.metrics.FrameDropped()
		}
	}
	h.mu.Unlock()

	for _, v := range stale {
		h.detach(v)
	}
}

// LastFrame returns the cached frame.
func (h *Hub) LastFrame() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// ViewerCount returns the number of attached viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Close disconnects every viewer. A closed hub accepts no new viewers.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	viewers := make([]*Viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.viewers = make(map[uint64]*Viewer)
	h.last = nil
	h.mu.Unlock()

	for _, v := range viewers {
		if v.close() {
			h.metrics.ViewerDetached()
		}
	}
}

// HubManager manages the hubs of all live sessions.
type HubManager struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	hubs map[string]*Hub
}

// NewHubManager creates a new HubManager.
func NewHubManager(logger *zap.Logger, m *metrics.Metrics) *HubManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &HubManager{
		logger:  logger,
		metrics: m,
		hubs:    make(map[string]*Hub),
	}
}

// Open creates the hub for a session if it does not exist yet.
func (m *HubManager) Open(sessionID string) {
	m.GetOrCreate(sessionID)
}

// GetOrCreate returns an existing hub or creates a new one for the session.
func (m *HubManager) GetOrCreate(sessionID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		return hub
	}
	hub := NewHub(sessionID, m.logger, m.metrics)
	m.hubs[sessionID] = hub
	return hub
}

// Get returns the hub for the session, or nil if not found.
func (m *HubManager) Get(sessionID string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[sessionID]
}

// Attach adds a viewer to a session's hub.
func (m *HubManager) Attach(sessionID string, out FrameWriter) (*Viewer, error) {
	hub := m.Get(sessionID)
	if hub == nil {
		return nil, fmt.Errorf("hub %s: %w", sessionID, model.ErrNotFound)
	}
	return hub.Attach(out)
}

// Detach removes a viewer from its hub.
func (m *HubManager) Detach(v *Viewer) {
	if v != nil {
		v.hub.detach(v)
	}
}

// Publish implements render.Publisher. Frames for unknown sessions are
// dropped.
func (m *HubManager) Publish(sessionID string, frame []byte) {
	if hub := m.Get(sessionID); hub != nil {
		hub.Publish(frame)
	}
}

// Remove closes the hub for the session, disconnecting its viewers.
func (m *HubManager) Remove(sessionID string) {
	m.mu.Lock()
	hub, ok := m.hubs[sessionID]
	delete(m.hubs, sessionID)
	m.mu.Unlock()

	if ok {
		hub.Close()
	}
}

// ViewerCount returns the number of viewers attached to a session.
func (m *HubManager) ViewerCount(sessionID string) int {
	if hub := m.Get(sessionID); hub != nil {
		return hub.ViewerCount()
	}
	return 0
}

// Close closes all hubs.
func (m *HubManager) Close() {
	m.mu.Lock()
	hubs := m.hubs
	m.hubs = make(map[string]*Hub)
	m.mu.Unlock()

	for _, hub := range hubs {
		hub.Close()
	}
}
