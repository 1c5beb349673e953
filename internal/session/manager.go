package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dashboard-autoreload/renderproxy/internal/config"
	"github.com/dashboard-autoreload/renderproxy/internal/engine"
	"github.com/dashboard-autoreload/renderproxy/internal/metrics"
	"github.com/dashboard-autoreload/renderproxy/internal/model"
	"github.com/dashboard-autoreload/renderproxy/internal/render"
)

// Outcome describes how Ensure resolved an id.
type Outcome int

const (
	// NotFound means the id is neither live nor in the registry.
	NotFound Outcome = iota
	// Found means a live session already existed.
	Found
	// Created means a session was started from the registry.
	Created
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Created:
		return "created"
	default:
		return "not_found"
	}
}

// Links is the link registry the manager resolves ids against.
type Links interface {
	List(ctx context.Context) ([]*model.Link, error)
	Get(ctx context.Context, id string) (*model.Link, error)
	Create(ctx context.Context, rawURL string) (*model.Link, bool, error)
	Delete(ctx context.Context, id string) error
}

// Hubs fans frames out to viewers. The manager opens a hub when a session
// starts and removes it, disconnecting viewers, when the session is deleted.
type Hubs interface {
	render.Publisher
	Open(sessionID string)
	Remove(sessionID string)
}

// Config holds configuration for the session manager.
type Config struct {
	// MaxLive bounds the number of live sessions. Zero means 32.
	MaxLive int

	// SessionOptions are applied to every session the manager starts.
	SessionOptions []render.Option
}

// Manager owns the set of live render sessions.
type Manager struct {
	links   Links
	engine  engine.Engine
	hubs    Hubs
	kiosk   config.KioskProvider
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*render.Session
	deleting map[string]struct{}
	closed   bool
}

// NewManager creates a session manager.
func NewManager(links Links, eng engine.Engine, hubs Hubs, kiosk config.KioskProvider, logger *zap.Logger, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.MaxLive <= 0 {
		cfg.MaxLive = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		links:    links,
		engine:   eng,
		hubs:     hubs,
		kiosk:    kiosk,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		sessions: make(map[string]*render.Session),
		deleting: make(map[string]struct{}),
	}
}

// Ensure returns the live session for id, starting one from the registry if
// needed. A session whose context crashed is replaced.
func (m *Manager) Ensure(ctx context.Context, id string) (*render.Session, Outcome, error) {
	if s, ok := m.live(id); ok {
		return s, Found, nil
	}
	if m.isDeleting(id) {
		return nil, NotFound, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}

	link, err := m.links.Get(ctx, id)
	if err != nil {
		return nil, NotFound, err
	}
	return m.start(ctx, link, nil, "rehydrate")
}

// Create registers url and starts its session. An already registered url
// returns the existing link with existing set; vp is applied only to a
// session started by this call.
func (m *Manager) Create(ctx context.Context, rawURL string, vp *model.Viewport) (*model.Link, bool, error) {
	link, existing, err := m.links.Create(ctx, rawURL)
	if err != nil {
		return nil, false, err
	}

	if _, ok := m.live(link.ID); ok {
		return link, existing, nil
	}
	cause := "create"
	if existing {
		cause = "rehydrate"
	}
	if _, _, err := m.start(ctx, link, vp, cause); err != nil {
		return link, existing, err
	}
	return link, existing, nil
}

// Delete closes the live session, disconnects its viewers and then removes
// the link. Deleting an unknown id succeeds. While the delete runs the id is
// marked so start refuses it; after it the registry lookup in start does.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.deleting[id] = struct{}{}
	live := len(m.sessions)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.deleting, id)
		m.mu.Unlock()
	}()

	if s != nil {
		s.Close()
		m.metrics.SetLiveSessions(live)
	}
	m.hubs.Remove(id)

	if err := m.links.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("stream deleted", zap.String("session", id), zap.Bool("was_live", s != nil))
	return nil
}

// List returns every registered link, newest first.
func (m *Manager) List(ctx context.Context) ([]*model.Link, error) {
	return m.links.List(ctx)
}

// Sessions returns a snapshot of every live session.
func (m *Manager) Sessions() []render.Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]render.Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Input forwards a viewer event, starting the session if needed.
func (m *Manager) Input(ctx context.Context, id string, ev model.InputEvent) error {
	s, _, err := m.Ensure(ctx, id)
	if err != nil {
		return err
	}
	return s.Input(ctx, ev)
}

// Resize changes a session's viewport, starting the session if needed.
func (m *Manager) Resize(ctx context.Context, id string, width, height int) error {
	s, _, err := m.Ensure(ctx, id)
	if err != nil {
		return err
	}
	return s.Resize(ctx, width, height)
}

// Close closes every live session concurrently.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*render.Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.Close(); err != nil {
				return fmt.Errorf("close session %s: %w", s.ID(), err)
			}
			m.hubs.Remove(s.ID())
			return nil
		})
	}
	err := g.Wait()
	m.metrics.SetLiveSessions(0)
	return err
}

// live returns a usable session for id.
func (m *Manager) live(id string) (*render.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !usable(s) {
		return nil, false
	}
	return s, true
}

func (m *Manager) isDeleting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deleting[id]
	return ok
}

// start creates, registers and starts a session for link unless another
// caller got there first. The link is looked up again under m.mu so a
// Delete that finished after the caller's lookup wins.
func (m *Manager) start(ctx context.Context, link *model.Link, vp *model.Viewport, cause string) (*render.Session, Outcome, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, NotFound, fmt.Errorf("session manager: %w", model.ErrSessionClosed)
	}
	if _, ok := m.deleting[link.ID]; ok {
		m.mu.Unlock()
		return nil, NotFound, fmt.Errorf("session %s: %w", link.ID, model.ErrNotFound)
	}
	if _, err := m.links.Get(ctx, link.ID); err != nil {
		m.mu.Unlock()
		return nil, NotFound, err
	}

	stale, exists := m.sessions[link.ID]
	if exists && usable(stale) {
		m.mu.Unlock()
		return stale, Found, nil
	}
	if exists {
		delete(m.sessions, link.ID)
	}
	if len(m.sessions) >= m.cfg.MaxLive {
		m.mu.Unlock()
		if stale != nil {
			stale.Close()
		}
		return nil, NotFound, fmt.Errorf("%d live sessions: %w", m.cfg.MaxLive, model.ErrCapacity)
	}

	opts := append([]render.Option{
		render.WithLogger(m.logger),
		render.WithMetrics(m.metrics),
	}, m.cfg.SessionOptions...)
	if vp != nil {
		opts = append(opts, render.WithViewport(*vp))
	}
	s := render.New(link, m.engine, m.hubs, m.kiosk, opts...)
	m.sessions[link.ID] = s
	live := len(m.sessions)

	m.hubs.Open(link.ID)
	s.Start()
	m.mu.Unlock()

	if stale != nil {
		m.logger.Info("replacing crashed session", zap.String("session", link.ID))
		stale.Close()
		cause = "recover"
	}
	m.metrics.SessionStarted(cause)
	m.metrics.SetLiveSessions(live)
	m.logger.Info("session started", zap.String("session", link.ID), zap.String("cause", cause))
	return s, Created, nil
}

func usable(s *render.Session) bool {
	if s.Crashed() {
		return false
	}
	st := s.State()
	return st == render.StateStarting || st == render.StateLive
}
