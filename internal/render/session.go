// Package render drives one off-screen browsing context per link: it keeps
// the page on its target URL and time window, captures frames and injects
// viewer input.
package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dashboard-autoreload/renderproxy/internal/buffer"
	"github.com/dashboard-autoreload/renderproxy/internal/config"
	"github.com/dashboard-autoreload/renderproxy/internal/engine"
	"github.com/dashboard-autoreload/renderproxy/internal/metrics"
	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateStarting State = iota
	StateLive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Publisher receives every captured frame.
type Publisher interface {
	Publish(sessionID string, frame []byte)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(sessionID string, frame []byte)

// Publish calls f.
func (f PublisherFunc) Publish(sessionID string, frame []byte) { f(sessionID, frame) }

// Navigation reasons reported to metrics.
const (
	navInitial = "initial"
	navRetry   = "retry"
	navDrift   = "drift"
	navWindow  = "window"
)

// Defaults for session timing.
const (
	DefaultWatchdogInterval = 5 * time.Second
	DefaultWindowTolerance  = 5 * time.Second
	DefaultNavigateTimeout  = 30 * time.Second
)

// Info is a point-in-time view of a session.
type Info struct {
	ID       string         `json:"id"`
	URL      string         `json:"url"`
	State    State          `json:"state"`
	Viewport model.Viewport `json:"viewport"`
	HasFrame bool           `json:"hasFrame"`
	Frames   uint64         `json:"frames"`
	Crashed  bool           `json:"crashed,omitempty"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithWatchdogInterval sets how often the watchdog runs.
func WithWatchdogInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWindowTolerance sets how far the live window may drift before a
// re-navigation.
func WithWindowTolerance(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.tolerance = d
		}
	}
}

// WithNavigateTimeout bounds every open and navigation.
func WithNavigateTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.navTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithViewport sets the initial viewport.
func WithViewport(vp model.Viewport) Option {
	return func(s *Session) { s.viewport = vp.Clamp() }
}

// Session owns one browsing context bound to one link. A single goroutine
// (the actor) performs every call on the context; other goroutines submit
// commands to it.
type Session struct {
	id        string
	link      *model.Link
	base      string
	engine    engine.Engine
	publisher Publisher
	kiosk     config.KioskProvider
	logger    *zap.Logger
	metrics   *metrics.Metrics

	interval   time.Duration
	tolerance  time.Duration
	navTimeout time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	state    State
	viewport model.Viewport
	crashed  bool

	frames *buffer.Latest

	cmds      chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	// Owned by the actor.
	ec       engine.Context
	offSince time.Time
}

// New creates a session for link. Call Start to open its context.
func New(link *model.Link, eng engine.Engine, pub Publisher, kiosk config.KioskProvider, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         link.ID,
		link:       link.Clone(),
		base:       StripWindow(link.URL),
		engine:     eng,
		publisher:  pub,
		kiosk:      kiosk,
		logger:     zap.NewNop(),
		interval:   DefaultWatchdogInterval,
		tolerance:  DefaultWindowTolerance,
		navTimeout: DefaultNavigateTimeout,
		now:        time.Now,
		state:      StateStarting,
		viewport:   model.DefaultViewport(),
		frames:     buffer.NewLatest(),
		cmds:       make(chan func()),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.kiosk == nil {
		s.kiosk = config.StaticKiosk(config.DefaultKiosk())
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.publisher == nil {
		s.publisher = PublisherFunc(func(string, []byte) {})
	}
	s.logger = s.logger.With(zap.String("session", s.id))
	return s
}

// ID returns the link id the session is bound to.
func (s *Session) ID() string { return s.id }

// Link returns a copy of the session's link.
func (s *Session) Link() *model.Link { return s.link.Clone() }

// Start launches the actor. It returns immediately; opening and the first
// navigation happen in the background.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Crashed reports whether the context died without Close being called.
func (s *Session) Crashed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crashed
}

// Viewport returns the current viewport.
func (s *Session) Viewport() model.Viewport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewport
}

// LastFrame returns the most recent frame, or nil before the first paint.
func (s *Session) LastFrame() []byte {
	return s.frames.Load()
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:       s.id,
		URL:      s.link.URL,
		State:    s.state,
		Viewport: s.viewport,
		HasFrame: s.frames.Load() != nil,
		Frames:   s.frames.Seq(),
		Crashed:  s.crashed,
	}
}

// Done is closed once the actor has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Input forwards a viewer event to the context. Unknown event types are
// ignored. Engine failures are logged, not returned.
func (s *Session) Input(ctx context.Context, ev model.InputEvent) error {
	if !ev.IsPointer() && !ev.IsKey() {
		return nil
	}
	return s.do(ctx, func() {
		if s.ec == nil {
			return
		}
		var err error
		if ev.IsPointer() {
			pe, ok := pointerEvent(ev, s.Viewport())
			if !ok {
				return
			}
			err = s.ec.Pointer(ctx, pe)
		} else {
			err = s.ec.Key(ctx, engine.KeyEvent{Type: engine.KeyType(ev.Type), Key: ev.KeyName()})
		}
		if err != nil {
			s.metrics.RenderFailed("input")
			s.logger.Debug("input dropped", zap.String("type", ev.Type), zap.Error(err))
		}
	})
}

// Resize changes the viewport, clamped to the supported range. Without a
// context the size is used at the next open.
func (s *Session) Resize(ctx context.Context, width, height int) error {
	vp := model.Viewport{Width: width, Height: height}.Clamp()
	return s.do(ctx, func() {
		s.mu.Lock()
		s.viewport = vp
		s.mu.Unlock()

		if s.ec == nil {
			return
		}
		if err := s.ec.Resize(ctx, vp); err != nil {
			s.metrics.RenderFailed("resize")
			s.logger.Warn("resize failed", zap.Int("width", vp.Width), zap.Int("height", vp.Height), zap.Error(err))
		}
	})
}

// Close stops the watchdog and closes the context. It is idempotent and
// waits for the actor to exit.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateClosing
		}
		s.mu.Unlock()

		s.cancel()
		// Never started: there is no actor to close done.
		s.startOnce.Do(func() { close(s.done) })
	})
	<-s.done

	s.setState(StateClosed)
	return nil
}

// do runs fn on the actor and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.cmds <- cmd:
	case <-s.done:
		return model.ErrSessionClosed
	case <-s.ctx.Done():
		return model.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()
	defer s.teardown()

	s.logger.Info("session starting", zap.String("url", s.link.URL))
	if s.open() {
		s.navigate(navInitial)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		var crashed <-chan struct{}
		if s.ec != nil {
			crashed = s.ec.Done()
		}

		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.cmds:
			cmd()
		case <-ticker.C:
			s.tick()
		case <-crashed:
			if s.ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.crashed = true
			s.mu.Unlock()
			s.metrics.RenderFailed("crash")
			s.logger.Warn("browsing context crashed")
			return
		}
	}
}

func (s *Session) teardown() {
	if s.ec != nil {
		if err := s.ec.StopLoading(); err != nil {
			s.logger.Debug("stop loading failed", zap.Error(err))
		}
		if err := s.ec.Close(); err != nil {
			s.logger.Debug("context close failed", zap.Error(err))
		}
		s.ec = nil
	}
	s.setState(StateClosed)
	s.logger.Info("session closed")
}

// open creates the context if there is none.
func (s *Session) open() bool {
	if s.ec != nil {
		return true
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()

	ec, err := s.engine.Open(ctx, s.Viewport())
	if err != nil {
		s.metrics.RenderFailed("open")
		s.logger.Warn("open failed", zap.Error(err))
		return false
	}
	ec.OnFrame(s.onFrame)
	s.ec = ec
	return true
}

// onFrame runs on the engine's event goroutine.
func (s *Session) onFrame(frame []byte) {
	if len(frame) == 0 || s.State() >= StateClosing {
		return
	}
	s.frames.Store(frame)
	s.metrics.FramePublished(len(frame))
	s.publisher.Publish(s.id, frame)
}

// targetURL is the link URL with the current window applied when enabled.
func (s *Session) targetURL(k config.Kiosk) string {
	if !k.TimeWindow.Enabled {
		return s.base
	}
	return WithWindow(s.base, ComputeWindow(s.now(), k.TimeWindow.Start, k.TimeWindow.Duration))
}

func (s *Session) navigate(reason string) {
	s.navigateTo(s.targetURL(s.kiosk.Kiosk()), reason)
}

func (s *Session) navigateTo(url, reason string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()

	if err := s.ec.Navigate(ctx, url); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = s.ec.StopLoading()
		}
		s.metrics.RenderFailed("navigate")
		s.logger.Warn("navigation failed", zap.String("reason", reason), zap.String("url", url), zap.Error(err))
		return
	}
	s.metrics.Navigated(reason)
	s.logger.Debug("navigated", zap.String("reason", reason), zap.String("url", url))

	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateLive
		s.logger.Info("session live")
	}
	s.mu.Unlock()
}

func (s *Session) tick() {
	switch s.State() {
	case StateStarting:
		if s.open() {
			s.navigate(navRetry)
		}
	case StateLive:
		s.watchdog()
	}
}

// watchdog brings the page back to its target after the grace period and
// keeps the from/to window current.
func (s *Session) watchdog() {
	k := s.kiosk.Kiosk()
	now := s.now()

	ctx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	current, err := s.ec.CurrentURL(ctx)
	cancel()
	if err != nil {
		s.logger.Debug("current url unavailable", zap.Error(err))
		return
	}

	currentBase := StripWindow(current)
	if k.NavigateBackEnabled && k.TabTimeoutSec > 0 && currentBase != "" && currentBase != s.base {
		if s.offSince.IsZero() {
			s.offSince = now
			s.logger.Debug("page left its target", zap.String("url", current))
		}
		if now.Sub(s.offSince) >= time.Duration(k.TabTimeoutSec)*time.Second {
			s.offSince = time.Time{}
			s.navigate(navDrift)
			return
		}
	} else {
		s.offSince = time.Time{}
	}

	if !k.TimeWindow.Enabled {
		return
	}
	desired := ComputeWindow(now, k.TimeWindow.Start, k.TimeWindow.Duration)
	from, to := windowParams(current)
	tol := s.tolerance.Milliseconds()
	if absDiff(from, desired.FromMillis()) > tol || absDiff(to, desired.ToMillis()) > tol {
		s.navigateTo(WithWindow(s.base, desired), navWindow)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// pointerEvent scales fractional coordinates to the viewport.
func pointerEvent(ev model.InputEvent, vp model.Viewport) (engine.PointerEvent, bool) {
	pe := engine.PointerEvent{
		X: scaleAxis(ev.X, vp.Width),
		Y: scaleAxis(ev.Y, vp.Height),
	}
	switch ev.Type {
	case model.InputMouseMove:
		pe.Type = engine.PointerMove
	case model.InputMouseDown, model.InputMouseUp:
		pe.Type = engine.PointerDown
		if ev.Type == model.InputMouseUp {
			pe.Type = engine.PointerUp
		}
		pe.Button = ev.Button
		if pe.Button == "" {
			pe.Button = "left"
		}
	case model.InputMouseWheel:
		pe.Type = engine.PointerWheel
		pe.DeltaX = ev.DeltaX
		pe.DeltaY = ev.DeltaY
	default:
		return pe, false
	}
	return pe, true
}

func scaleAxis(f float64, size int) int {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		f = 0
	}
	v := int(math.Round(f * float64(size)))
	return min(max(v, 0), size-1)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
