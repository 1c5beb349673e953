// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dashboard-autoreload/renderproxy/internal/engine"
	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

// ErrOpen is returned by Open while opens are set to fail.
var ErrOpen = errors.New("enginetest: open failed")

// ErrNavigate is returned by Navigate while navigations are set to fail.
var ErrNavigate = errors.New("enginetest: navigation failed")

// Engine is a fake engine recording every context it opens.
type Engine struct {
	// AutoPaint makes contexts emit a frame after each successful navigation
	// and resize, like a real engine repainting.
	AutoPaint bool

	mu        sync.Mutex
	contexts  []*Context
	failOpens int
	failNavs  int
	opens     int
	closed    bool
	opened    chan *Context
}

// New creates a fake engine.
func New() *Engine {
	return &Engine{opened: make(chan *Context, 64)}
}

// FailOpens makes the next n calls to Open fail.
func (e *Engine) FailOpens(n int) {
	e.mu.Lock()
	e.failOpens = n
	e.mu.Unlock()
}

// FailNavigations makes the first n navigations of the next opened context
// fail.
func (e *Engine) FailNavigations(n int) {
	e.mu.Lock()
	e.failNavs = n
	e.mu.Unlock()
}

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context, vp model.Viewport) (engine.Context, error) {
	e.mu.Lock()
	e.opens++
	if e.failOpens > 0 {
		e.failOpens--
		e.mu.Unlock()
		return nil, ErrOpen
	}
	c := &Context{
		engine:   e,
		viewport: vp,
		url:      "about:blank",
		failNavs: e.failNavs,
		done:     make(chan struct{}),
	}
	e.failNavs = 0
	e.contexts = append(e.contexts, c)
	e.mu.Unlock()

	select {
	case e.opened <- c:
	default:
	}
	return c, nil
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Opens returns how many times Open was called.
func (e *Engine) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

// Contexts returns every successfully opened context.
func (e *Engine) Contexts() []*Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Context(nil), e.contexts...)
}

// Opened delivers contexts as they are opened.
func (e *Engine) Opened() <-chan *Context {
	return e.opened
}

// Context is a fake browsing context.
type Context struct {
	engine *Engine

	mu          sync.Mutex
	viewport    model.Viewport
	url         string
	navigations []string
	pointers    []engine.PointerEvent
	keys        []engine.KeyEvent
	onFrame     func([]byte)
	failNavs    int
	stopCalls   int
	frames      int
	closed      bool

	done     chan struct{}
	doneOnce sync.Once
}

// OnFrame implements engine.Context.
func (c *Context) OnFrame(fn func([]byte)) {
	c.mu.Lock()
	c.onFrame = fn
	c.mu.Unlock()
}

// Navigate implements engine.Context.
func (c *Context) Navigate(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("enginetest: context closed")
	}
	c.navigations = append(c.navigations, url)
	if c.failNavs > 0 {
		c.failNavs--
		c.mu.Unlock()
		return ErrNavigate
	}
	c.url = url
	c.mu.Unlock()

	if c.engine.AutoPaint {
		c.Paint()
	}
	return nil
}

// CurrentURL implements engine.Context.
func (c *Context) CurrentURL(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url, nil
}

// Resize implements engine.Context.
func (c *Context) Resize(ctx context.Context, vp model.Viewport) error {
	c.mu.Lock()
	c.viewport = vp
	c.mu.Unlock()

	if c.engine.AutoPaint {
		c.Paint()
	}
	return nil
}

// Pointer implements engine.Context.
func (c *Context) Pointer(ctx context.Context, ev engine.PointerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pointers = append(c.pointers, ev)
	return nil
}

// Key implements engine.Context.
func (c *Context) Key(ctx context.Context, ev engine.KeyEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, ev)
	return nil
}

// StopLoading implements engine.Context.
func (c *Context) StopLoading() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	return nil
}

// Done implements engine.Context.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Close implements engine.Context.
func (c *Context) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// Emit delivers a frame to the registered callback.
func (c *Context) Emit(frame []byte) {
	c.mu.Lock()
	fn := c.onFrame
	c.frames++
	c.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// Paint emits a frame describing the current viewport, e.g. "800x600#3".
func (c *Context) Paint() {
	c.mu.Lock()
	frame := []byte(fmt.Sprintf("%dx%d#%d", c.viewport.Width, c.viewport.Height, c.frames+1))
	c.mu.Unlock()
	c.Emit(frame)
}

// SetURL simulates the page navigating on its own.
func (c *Context) SetURL(url string) {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
}

// FailNavigations makes the next n navigations fail.
func (c *Context) FailNavigations(n int) {
	c.mu.Lock()
	c.failNavs = n
	c.mu.Unlock()
}

// Crash closes Done without a Close call, as a renderer crash would.
func (c *Context) Crash() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Navigations returns every URL passed to Navigate.
func (c *Context) Navigations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.navigations...)
}

// Pointers returns every pointer event received.
func (c *Context) Pointers() []engine.PointerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.PointerEvent(nil), c.pointers...)
}

// Keys returns every key event received.
func (c *Context) Keys() []engine.KeyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.KeyEvent(nil), c.keys...)
}

// Viewport returns the current viewport.
func (c *Context) Viewport() model.Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport
}

// URL returns the current URL.
func (c *Context) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// StopCalls returns how many times StopLoading was called.
func (c *Context) StopCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCalls
}
