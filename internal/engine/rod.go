package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

// RodConfig configures the headless Chromium engine.
type RodConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Bin overrides the Chrome binary used by the launcher.
	Bin string

	// Stealth opens pages with go-rod/stealth evasions applied.
	Stealth bool

	// JPEGQuality of screencast frames. Default: 92.
	JPEGQuality int

	// EveryNthFrame forwards one of every N painted frames. Default: 1.
	EveryNthFrame int
}

func (c *RodConfig) defaults() {
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 92
	}
	if c.EveryNthFrame <= 0 {
		c.EveryNthFrame = 1
	}
}

// Rod is an Engine backed by headless Chromium through the DevTools protocol.
// Every Open creates a new page; frames come from the page screencast.
type Rod struct {
	cfg    RodConfig
	logger *zap.Logger

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewRod creates a Rod engine. Call Start to launch or connect to Chrome.
func NewRod(cfg RodConfig, logger *zap.Logger) *Rod {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rod{cfg: cfg, logger: logger}
}

// Start launches Chrome (or connects to a remote instance).
func (r *Rod) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("engine: closed")
	}

	var wsURL string
	if r.cfg.RemoteURL != "" {
		wsURL = r.cfg.RemoteURL
		r.logger.Info("engine: connecting to remote chrome", zap.String("url", wsURL))
	} else {
		l := launcher.New().Context(ctx).Headless(true)
		if r.cfg.Bin != "" {
			l = l.Bin(r.cfg.Bin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("engine: launch: %w", err)
		}
		wsURL = u
		r.lnch = l
		r.logger.Info("engine: launched local chrome", zap.String("url", wsURL))
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("engine: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		r.logger.Warn("engine: ignore cert errors failed", zap.Error(err))
	}
	r.browser = b
	return nil
}

// Open creates a page, sizes it and starts its screencast.
func (r *Rod) Open(ctx context.Context, vp model.Viewport) (Context, error) {
	r.mu.RLock()
	b := r.browser
	r.mu.RUnlock()
	if b == nil {
		return nil, errors.New("engine: no active browser")
	}

	var (
		page *rod.Page
		err  error
	)
	if r.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("engine: create page: %w", err)
	}

	if err := page.SetViewport(deviceMetrics(vp)); err != nil {
		page.Close()
		return nil, fmt.Errorf("engine: set viewport: %w", err)
	}

	pc := newRodContext(page, r.logger)
	if err := pc.startScreencast(r.cfg.JPEGQuality, r.cfg.EveryNthFrame); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

// Close shuts Chrome down.
func (r *Rod) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
	return err
}

// teardownTimeout bounds each CDP call made while a page stops or closes.
const teardownTimeout = 5 * time.Second

// rodContext wraps one page.
type rodContext struct {
	page            *rod.Page
	logger          *zap.Logger
	teardownTimeout time.Duration

	mu      sync.RWMutex
	onFrame func([]byte)

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

func newRodContext(page *rod.Page, logger *zap.Logger) *rodContext {
	return &rodContext{
		page:            page,
		logger:          logger.With(zap.String("target", string(page.TargetID))),
		teardownTimeout: teardownTimeout,
		done:            make(chan struct{}),
	}
}

func (c *rodContext) startScreencast(quality, everyNth int) error {
	evCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	// Inspector events report renderer crashes and detaches.
	if err := (proto.InspectorEnable{}).Call(c.page); err != nil {
		c.logger.Debug("engine: inspector enable failed", zap.Error(err))
	}

	wait := c.page.Context(evCtx).EachEvent(
		func(e *proto.PageScreencastFrame) {
			_ = proto.PageScreencastFrameAck{SessionID: e.SessionID}.Call(c.page)
			c.emit(e.Data)
		},
		func(e *proto.InspectorTargetCrashed) bool {
			c.logger.Warn("engine: page crashed")
			return true
		},
		func(e *proto.InspectorDetached) bool {
			c.logger.Info("engine: page detached", zap.String("reason", e.Reason))
			return true
		},
	)
	go func() {
		wait()
		c.markDone()
	}()

	q, n := quality, everyNth
	err := proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatJpeg,
		Quality:       &q,
		EveryNthFrame: &n,
	}.Call(c.page)
	if err != nil {
		return fmt.Errorf("engine: start screencast: %w", err)
	}
	return nil
}

func (c *rodContext) emit(frame []byte) {
	c.mu.RLock()
	fn := c.onFrame
	c.mu.RUnlock()
	if fn != nil && len(frame) > 0 {
		fn(frame)
	}
}

func (c *rodContext) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *rodContext) OnFrame(fn func([]byte)) {
	c.mu.Lock()
	c.onFrame = fn
	c.mu.Unlock()
}

func (c *rodContext) Navigate(ctx context.Context, url string) error {
	return c.page.Context(ctx).Navigate(url)
}

func (c *rodContext) CurrentURL(ctx context.Context) (string, error) {
	info, err := c.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (c *rodContext) Resize(ctx context.Context, vp model.Viewport) error {
	return c.page.Context(ctx).SetViewport(deviceMetrics(vp))
}

func (c *rodContext) Pointer(ctx context.Context, ev PointerEvent) error {
	p := c.page.Context(ctx)
	x, y := float64(ev.X), float64(ev.Y)

	switch ev.Type {
	case PointerMove:
		return proto.InputDispatchMouseEvent{
			Type: proto.InputDispatchMouseEventTypeMouseMoved,
			X:    x,
			Y:    y,
		}.Call(p)
	case PointerDown, PointerUp:
		typ := proto.InputDispatchMouseEventTypeMousePressed
		if ev.Type == PointerUp {
			typ = proto.InputDispatchMouseEventTypeMouseReleased
		}
		return proto.InputDispatchMouseEvent{
			Type:       typ,
			X:          x,
			Y:          y,
			Button:     mouseButton(ev.Button),
			ClickCount: 1,
		}.Call(p)
	case PointerWheel:
		return proto.InputDispatchMouseEvent{
			Type:   proto.InputDispatchMouseEventTypeMouseWheel,
			X:      x,
			Y:      y,
			DeltaX: ev.DeltaX,
			DeltaY: ev.DeltaY,
		}.Call(p)
	}
	return nil
}

func (c *rodContext) Key(ctx context.Context, ev KeyEvent) error {
	p := c.page.Context(ctx)

	params := proto.InputDispatchKeyEvent{Key: ev.Key}
	if vk, ok := virtualKeyCodes[ev.Key]; ok {
		params.WindowsVirtualKeyCode = vk
	}

	switch ev.Type {
	case KeyDown:
		params.Type = proto.InputDispatchKeyEventTypeRawKeyDown
	case KeyUp:
		params.Type = proto.InputDispatchKeyEventTypeKeyUp
	case KeyChar:
		params.Type = proto.InputDispatchKeyEventTypeChar
		if utf8.RuneCountInString(ev.Key) == 1 {
			params.Text = ev.Key
		} else if ev.Key == "Enter" {
			params.Text = "\r"
		}
	default:
		return nil
	}
	return params.Call(p)
}

func (c *rodContext) StopLoading() error {
	p := c.page.Timeout(c.teardownTimeout)
	defer p.CancelTimeout()
	return p.StopLoading()
}

func (c *rodContext) Done() <-chan struct{} {
	return c.done
}

func (c *rodContext) Close() error {
	var err error
	c.closeOnce.Do(func() {
		p := c.page.Timeout(c.teardownTimeout)
		defer p.CancelTimeout()

		_ = proto.PageStopScreencast{}.Call(p)
		if c.cancel != nil {
			c.cancel()
		}
		err = p.Close()
		c.markDone()
	})
	return err
}

func deviceMetrics(vp model.Viewport) *proto.EmulationSetDeviceMetricsOverride {
	return &proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
	}
}

func mouseButton(name string) proto.InputMouseButton {
	switch name {
	case "right":
		return proto.InputMouseButtonRight
	case "middle":
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

var virtualKeyCodes = map[string]int{
	"Backspace":  8,
	"Tab":        9,
	"Enter":      13,
	"Shift":      16,
	"Control":    17,
	"Alt":        18,
	"Escape":     27,
	" ":          32,
	"PageUp":     33,
	"PageDown":   34,
	"End":        35,
	"Home":       36,
	"ArrowLeft":  37,
	"ArrowUp":    38,
	"ArrowRight": 39,
	"ArrowDown":  40,
	"Delete":     46,
	"F5":         116,
}
