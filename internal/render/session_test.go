package render

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashboard-autoreload/renderproxy/internal/config"
	"github.com/dashboard-autoreload/renderproxy/internal/engine"
	"github.com/dashboard-autoreload/renderproxy/internal/engine/enginetest"
	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames [][]byte
}

func (p *recordingPublisher) Publish(id string, frame []byte) {
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
}

func (p *recordingPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func testLink() *model.Link {
	return &model.Link{ID: "abc123", URL: "https://example.com/dash", CreatedAt: time.Now()}
}

func startSession(t *testing.T, eng *enginetest.Engine, kiosk config.Kiosk, opts ...Option) (*Session, *enginetest.Context, *recordingPublisher) {
	t.Helper()

	pub := &recordingPublisher{}
	opts = append([]Option{WithWatchdogInterval(10 * time.Millisecond)}, opts...)
	s := New(testLink(), eng, pub, config.StaticKiosk(kiosk), opts...)
	s.Start()
	t.Cleanup(func() { s.Close() })

	var ec *enginetest.Context
	select {
	case ec = <-eng.Opened():
	case <-time.After(waitFor):
		t.Fatal("context was never opened")
	}
	return s, ec, pub
}

func TestSession_StartNavigatesAndGoesLive(t *testing.T) {
	eng := enginetest.New()
	eng.AutoPaint = true

	s, ec, pub := startSession(t, eng, config.DefaultKiosk())

	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)
	assert.Equal(t, []string{"https://example.com/dash"}, ec.Navigations())

	require.Eventually(t, func() bool { return pub.Count() > 0 }, waitFor, poll)
	assert.NotNil(t, s.LastFrame())

	info := s.Info()
	assert.Equal(t, "abc123", info.ID)
	assert.Equal(t, StateLive, info.State)
	assert.True(t, info.HasFrame)
	assert.Equal(t, model.DefaultViewport(), info.Viewport)
}

func TestSession_NavigatesWithTimeWindow(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	kiosk := config.DefaultKiosk()
	kiosk.TimeWindow = config.TimeWindow{Enabled: true, Start: "05:30", Duration: "1d"}

	s, ec, _ := startSession(t, enginetest.New(), kiosk, WithClock(clock.Now))
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)

	navs := ec.Navigations()
	require.NotEmpty(t, navs)
	want := ComputeWindow(clock.Now(), "05:30", "1d")
	from, to := windowParams(navs[0])
	assert.Equal(t, want.FromMillis(), from)
	assert.Equal(t, want.ToMillis(), to)
	assert.Equal(t, "https://example.com/dash", StripWindow(navs[0]))
}

func TestSession_NavigationFailureIsRetried(t *testing.T) {
	eng := enginetest.New()
	eng.FailNavigations(2)

	s, ec, _ := startSession(t, eng, config.DefaultKiosk())

	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)
	assert.Len(t, ec.Navigations(), 3)
	assert.Len(t, eng.Contexts(), 1)
}

func TestSession_OpenFailureIsRetried(t *testing.T) {
	eng := enginetest.New()
	eng.FailOpens(3)

	s := New(testLink(), eng, nil, nil, WithWatchdogInterval(10*time.Millisecond))
	s.Start()
	defer s.Close()

	assert.Equal(t, StateStarting, s.State())
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)
	assert.Equal(t, 4, eng.Opens())
}

func TestSession_DriftNavigatesBackAfterGrace(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	kiosk := config.DefaultKiosk()
	kiosk.NavigateBackEnabled = true
	kiosk.TabTimeoutSec = 30

	s, ec, _ := startSession(t, enginetest.New(), kiosk, WithClock(clock.Now))
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)

	ec.SetURL("https://example.com/login?next=dash")

	// Within the grace period nothing happens.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ec.Navigations(), 1)

	clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool { return len(ec.Navigations()) == 2 }, waitFor, poll)
	assert.Equal(t, "https://example.com/dash", ec.URL())
}

func TestSession_DriftIgnoredWhenDisabled(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	kiosk := config.DefaultKiosk()
	kiosk.NavigateBackEnabled = false
	kiosk.TabTimeoutSec = 1

	s, ec, _ := startSession(t, enginetest.New(), kiosk, WithClock(clock.Now))
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)

	ec.SetURL("https://elsewhere.example.com/")
	clock.Advance(time.Hour)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, ec.Navigations(), 1)
}

func TestSession_WindowRolloverRenavigates(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC))
	kiosk := config.DefaultKiosk()
	kiosk.TimeWindow = config.TimeWindow{Enabled: true, Start: "05:30", Duration: "1d"}

	s, ec, _ := startSession(t, enginetest.New(), kiosk, WithClock(clock.Now))
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)

	firstFrom, _ := windowParams(ec.Navigations()[0])

	// Within tolerance the window is left alone.
	clock.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ec.Navigations(), 1)

	clock.Advance(25 * time.Hour)
	require.Eventually(t, func() bool { return len(ec.Navigations()) == 2 }, waitFor, poll)

	nextFrom, _ := windowParams(ec.Navigations()[1])
	assert.Equal(t, (24 * time.Hour).Milliseconds(), nextFrom-firstFrom)
}

func TestSession_InputScalesAndClamps(t *testing.T) {
	s, ec, _ := startSession(t, enginetest.New(), config.DefaultKiosk())
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)
	ctx := context.Background()

	require.NoError(t, s.Input(ctx, model.InputEvent{Type: model.InputMouseMove, X: 0.5, Y: 0.5}))
	require.NoError(t, s.Input(ctx, model.InputEvent{Type: model.InputMouseDown, X: 2, Y: -1}))
	require.NoError(t, s.Input(ctx, model.InputEvent{Type: model.InputMouseUp, X: 1, Y: 1, Button: "right"}))
	require.NoError(t, s.Input(ctx, model.InputEvent{Type: model.InputMouseWheel, DeltaY: 120}))

	ptrs := ec.Pointers()
	require.Len(t, ptrs, 4)
	assert.Equal(t, engine.PointerEvent{Type: engine.PointerMove, X: 683, Y: 384}, ptrs[0])
	assert.Equal(t, engine.PointerEvent{Type: engine.PointerDown, X: 1365, Y: 0, Button: "left"}, ptrs[1])
	assert.Equal(t, engine.PointerEvent{Type: engine.PointerUp, X: 1365, Y: 767, Button: "right"}, ptrs[2])
	assert.Equal(t, engine.PointerWheel, ptrs[3].Type)
	assert.Equal(t, 120.0, ptrs[3].DeltaY)
}

func TestSession_KeyInputAndUnknownTypes(t *testing.T) {
	s, ec, _ := startSession(t, enginetest.New(), config.DefaultKiosk())
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)
	ctx := context.Background()

	require.NoError(t, s.Input(ctx, model.InputEvent{Type: model.InputKeyDown, Key: "a", KeyCode: "Enter"}))
	require.NoError(t, s.Input(ctx, model.InputEvent{Type: model.InputChar, Key: "x"}))
	require.NoError(t, s.Input(ctx, model.InputEvent{Type: "touchStart"}))
	require.NoError(t, s.Input(ctx, model.InputEvent{Type: "mouseTeleport"}))

	keys := ec.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, engine.KeyEvent{Type: engine.KeyDown, Key: "Enter"}, keys[0])
	assert.Equal(t, engine.KeyEvent{Type: engine.KeyChar, Key: "x"}, keys[1])
	assert.Empty(t, ec.Pointers())
}

func TestSession_ResizeClampsAndRepaints(t *testing.T) {
	eng := enginetest.New()
	eng.AutoPaint = true
	s, ec, _ := startSession(t, eng, config.DefaultKiosk())
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)
	ctx := context.Background()

	require.NoError(t, s.Resize(ctx, 800, 600))
	assert.Equal(t, model.Viewport{Width: 800, Height: 600}, ec.Viewport())
	assert.True(t, strings.HasPrefix(string(s.LastFrame()), "800x600#"))

	require.NoError(t, s.Resize(ctx, 10, 99999))
	assert.Equal(t, model.Viewport{Width: 320, Height: 2160}, s.Viewport())

	require.NoError(t, s.Resize(ctx, 0, -5))
	assert.Equal(t, model.DefaultViewport(), ec.Viewport())
}

func TestSession_InitialViewportUsedAtOpen(t *testing.T) {
	eng := enginetest.New()
	_, ec, _ := startSession(t, eng, config.DefaultKiosk(), WithViewport(model.Viewport{Width: 1024, Height: 700}))
	assert.Equal(t, model.Viewport{Width: 1024, Height: 700}, ec.Viewport())
}

func TestSession_CloseIsIdempotentAndDropsLateFrames(t *testing.T) {
	s, ec, pub := startSession(t, enginetest.New(), config.DefaultKiosk())
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, StateClosed, s.State())
	assert.True(t, ec.Closed())
	assert.Equal(t, 1, ec.StopCalls())
	assert.False(t, s.Crashed())

	before := pub.Count()
	ec.Emit([]byte("late"))
	assert.Equal(t, before, pub.Count())

	err := s.Input(context.Background(), model.InputEvent{Type: model.InputMouseMove})
	assert.ErrorIs(t, err, model.ErrSessionClosed)
	assert.ErrorIs(t, s.Resize(context.Background(), 800, 600), model.ErrSessionClosed)
}

func TestSession_CloseWithoutStart(t *testing.T) {
	s := New(testLink(), enginetest.New(), nil, nil)
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	// Start after Close does nothing.
	s.Start()
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_CrashEndsSession(t *testing.T) {
	s, ec, _ := startSession(t, enginetest.New(), config.DefaultKiosk())
	require.Eventually(t, func() bool { return s.State() == StateLive }, waitFor, poll)

	ec.Crash()

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not exit after crash")
	}
	assert.True(t, s.Crashed())
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, s.Info().Crashed)
}

func TestSession_InputRespectsCallerContext(t *testing.T) {
	// A session that was never started cannot accept commands.
	s := New(testLink(), enginetest.New(), nil, nil)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Input(ctx, model.InputEvent{Type: model.InputMouseMove})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "live", StateLive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())

	text, err := StateLive.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "live", string(text))
}
