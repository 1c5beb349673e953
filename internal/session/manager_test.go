package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dashboard-autoreload/renderproxy/internal/config"
	"github.com/dashboard-autoreload/renderproxy/internal/engine/enginetest"
	"github.com/dashboard-autoreload/renderproxy/internal/model"
	"github.com/dashboard-autoreload/renderproxy/internal/render"
	"github.com/dashboard-autoreload/renderproxy/internal/repository"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

// recordingHubs tracks which hubs are open and counts published frames.
type recordingHubs struct {
	mu      sync.Mutex
	open    map[string]bool
	removed []string
	frames  map[string]int
}

func newRecordingHubs() *recordingHubs {
	return &recordingHubs{open: make(map[string]bool), frames: make(map[string]int)}
}

func (h *recordingHubs) Open(id string) {
	h.mu.Lock()
	h.open[id] = true
	h.mu.Unlock()
}

func (h *recordingHubs) Remove(id string) {
	h.mu.Lock()
	delete(h.open, id)
	h.removed = append(h.removed, id)
	h.mu.Unlock()
}

func (h *recordingHubs) Publish(id string, frame []byte) {
	h.mu.Lock()
	if h.open[id] {
		h.frames[id]++
	}
	h.mu.Unlock()
}

func (h *recordingHubs) IsOpen(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open[id]
}

type testEnv struct {
	manager *Manager
	links   *repository.LinkRepository
	engine  *enginetest.Engine
	hubs    *recordingHubs
	path    string
}

func setupTestManager(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "proxy-links.json")
	return setupTestManagerAt(t, path, cfg)
}

func setupTestManagerAt(t *testing.T, path string, cfg Config) *testEnv {
	t.Helper()

	links := repository.NewLinkRepository(context.Background(), repository.NewFileBackend(path), zap.NewNop())
	eng := enginetest.New()
	eng.AutoPaint = true
	hubs := newRecordingHubs()

	cfg.SessionOptions = append(cfg.SessionOptions, render.WithWatchdogInterval(10*time.Millisecond))
	m := NewManager(links, eng, hubs, config.StaticKiosk(config.DefaultKiosk()), zap.NewNop(), nil, cfg)
	t.Cleanup(func() { m.Close() })

	return &testEnv{manager: m, links: links, engine: eng, hubs: hubs, path: path}
}

func TestManager_CreateStartsSession(t *testing.T) {
	env := setupTestManager(t, Config{})
	ctx := context.Background()

	link, existing, err := env.manager.Create(ctx, "example.com/dash", &model.Viewport{Width: 800, Height: 600})
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, "https://example.com/dash", link.URL)

	s, outcome, err := env.manager.Ensure(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, Found, outcome)
	assert.Equal(t, model.Viewport{Width: 800, Height: 600}, s.Viewport())
	assert.True(t, env.hubs.IsOpen(link.ID))

	require.Eventually(t, func() bool { return s.State() == render.StateLive }, waitFor, poll)
	require.Len(t, env.engine.Contexts(), 1)
	assert.Equal(t, []string{"https://example.com/dash"}, env.engine.Contexts()[0].Navigations())
}

func TestManager_CreateIsIdempotent(t *testing.T) {
	env := setupTestManager(t, Config{})
	ctx := context.Background()

	first, existing, err := env.manager.Create(ctx, "https://example.com/dash", nil)
	require.NoError(t, err)
	assert.False(t, existing)

	second, existing, err := env.manager.Create(ctx, "example.com/dash#frag", nil)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)

	// Only one session and one context exist for the link.
	assert.Len(t, env.manager.Sessions(), 1)
	assert.Len(t, env.engine.Contexts(), 1)

	list, err := env.manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestManager_CreateRejectsInvalidURL(t *testing.T) {
	env := setupTestManager(t, Config{})

	_, _, err := env.manager.Create(context.Background(), "ftp://example.com/", nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Empty(t, env.manager.Sessions())
}

func TestManager_EnsureUnknownID(t *testing.T) {
	env := setupTestManager(t, Config{})

	s, outcome, err := env.manager.Ensure(context.Background(), "nope")
	assert.Nil(t, s)
	assert.Equal(t, NotFound, outcome)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Zero(t, env.engine.Opens())
}

func TestManager_RehydratesAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-links.json")
	ctx := context.Background()

	before := setupTestManagerAt(t, path, Config{})
	link, _, err := before.manager.Create(ctx, "https://example.com/dash", nil)
	require.NoError(t, err)
	require.NoError(t, before.manager.Close())

	after := setupTestManagerAt(t, path, Config{})
	assert.Empty(t, after.manager.Sessions())

	s, outcome, err := after.manager.Ensure(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.Equal(t, link.URL, s.Link().URL)

	require.Eventually(t, func() bool { return s.LastFrame() != nil }, waitFor, poll)

	_, outcome, err = after.manager.Ensure(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, Found, outcome)
}

func TestManager_DeleteCascades(t *testing.T) {
	env := setupTestManager(t, Config{})
	ctx := context.Background()

	link, _, err := env.manager.Create(ctx, "https://example.com/dash", nil)
	require.NoError(t, err)
	s, _, err := env.manager.Ensure(ctx, link.ID)
	require.NoError(t, err)

	require.NoError(t, env.manager.Delete(ctx, link.ID))

	assert.Equal(t, render.StateClosed, s.State())
	assert.True(t, env.engine.Contexts()[0].Closed())
	assert.False(t, env.hubs.IsOpen(link.ID))

	_, err = env.links.Get(ctx, link.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, outcome, err := env.manager.Ensure(ctx, link.ID)
	assert.Equal(t, NotFound, outcome)
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, env.manager.Delete(ctx, link.ID))
}

// gatedLinks holds the next Get after it has read the link until release
// is closed.
type gatedLinks struct {
	*repository.LinkRepository

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLinks) Get(ctx context.Context, id string) (*model.Link, error) {
	link, err := g.LinkRepository.Get(ctx, id)

	g.mu.Lock()
	hold := g.armed
	g.armed = false
	g.mu.Unlock()

	if hold {
		close(g.entered)
		<-g.release
	}
	return link, err
}

func TestManager_DeleteDuringEnsureLeavesNoSession(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "proxy-links.json")
	repo := repository.NewLinkRepository(ctx, repository.NewFileBackend(path), zap.NewNop())
	links := &gatedLinks{
		LinkRepository: repo,
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	eng := enginetest.New()
	eng.AutoPaint = true
	hubs := newRecordingHubs()
	m := NewManager(links, eng, hubs, config.StaticKiosk(config.DefaultKiosk()), zap.NewNop(), nil, Config{})
	t.Cleanup(func() { m.Close() })

	link, _, err := repo.Create(ctx, "https://example.com/dash")
	require.NoError(t, err)

	links.mu.Lock()
	links.armed = true
	links.mu.Unlock()

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		_, outcome, err := m.Ensure(ctx, link.ID)
		done <- result{outcome, err}
	}()

	<-links.entered
	require.NoError(t, m.Delete(ctx, link.ID))
	close(links.release)

	res := <-done
	assert.Equal(t, NotFound, res.outcome)
	assert.ErrorIs(t, res.err, model.ErrNotFound)
	assert.Empty(t, m.Sessions())
	assert.False(t, hubs.IsOpen(link.ID))
	assert.Zero(t, eng.Opens())

	_, outcome, err := m.Ensure(ctx, link.ID)
	assert.Equal(t, NotFound, outcome)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestManager_InputAndResizeRehydrate(t *testing.T) {
	env := setupTestManager(t, Config{})
	ctx := context.Background()

	link, _, err := env.links.Create(ctx, "https://example.com/dash")
	require.NoError(t, err)

	require.NoError(t, env.manager.Resize(ctx, link.ID, 1024, 700))
	require.Len(t, env.engine.Contexts(), 1)

	require.NoError(t, env.manager.Input(ctx, link.ID, model.InputEvent{Type: model.InputMouseDown, X: 0.5, Y: 0.5}))

	ec := env.engine.Contexts()[0]
	assert.Equal(t, model.Viewport{Width: 1024, Height: 700}, ec.Viewport())
	require.Len(t, ec.Pointers(), 1)
	assert.Equal(t, 512, ec.Pointers()[0].X)
	assert.Equal(t, 350, ec.Pointers()[0].Y)

	assert.ErrorIs(t, env.manager.Input(ctx, "missing", model.InputEvent{Type: model.InputMouseMove}), model.ErrNotFound)
	assert.ErrorIs(t, env.manager.Resize(ctx, "missing", 800, 600), model.ErrNotFound)
}

func TestManager_ReplacesCrashedSession(t *testing.T) {
	env := setupTestManager(t, Config{})
	ctx := context.Background()

	link, _, err := env.manager.Create(ctx, "https://example.com/dash", nil)
	require.NoError(t, err)
	first, _, err := env.manager.Ensure(ctx, link.ID)
	require.NoError(t, err)

	var ec *enginetest.Context
	require.Eventually(t, func() bool {
		ctxs := env.engine.Contexts()
		if len(ctxs) == 0 {
			return false
		}
		ec = ctxs[0]
		return true
	}, waitFor, poll)
	ec.Crash()
	require.Eventually(t, first.Crashed, waitFor, poll)

	second, outcome, err := env.manager.Ensure(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.NotSame(t, first, second)
	assert.True(t, env.hubs.IsOpen(link.ID))
	require.Eventually(t, func() bool { return len(env.engine.Contexts()) == 2 }, waitFor, poll)
}

func TestManager_CapacityLimit(t *testing.T) {
	env := setupTestManager(t, Config{MaxLive: 2})
	ctx := context.Background()

	_, _, err := env.manager.Create(ctx, "https://one.example.com/", nil)
	require.NoError(t, err)
	_, _, err = env.manager.Create(ctx, "https://two.example.com/", nil)
	require.NoError(t, err)

	third, _, err := env.manager.Create(ctx, "https://three.example.com/", nil)
	assert.ErrorIs(t, err, model.ErrCapacity)
	require.NotNil(t, third)

	// The link is registered and starts once a slot frees up.
	sessions := env.manager.Sessions()
	require.Len(t, sessions, 2)
	require.NoError(t, env.manager.Delete(ctx, sessions[0].ID))

	_, outcome, err := env.manager.Ensure(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
}

func TestManager_ConcurrentEnsureStartsOneSession(t *testing.T) {
	env := setupTestManager(t, Config{})
	ctx := context.Background()

	link, _, err := env.links.Create(ctx, "https://example.com/dash")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := env.manager.Ensure(ctx, link.ID)
			if err != nil {
				return
			}
			if outcome == Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, env.manager.Sessions(), 1)
}

func TestManager_CloseStopsEverything(t *testing.T) {
	env := setupTestManager(t, Config{})
	ctx := context.Background()

	a, _, err := env.manager.Create(ctx, "https://a.example.com/", nil)
	require.NoError(t, err)
	b, _, err := env.manager.Create(ctx, "https://b.example.com/", nil)
	require.NoError(t, err)

	require.NoError(t, env.manager.Close())
	assert.Empty(t, env.manager.Sessions())
	assert.False(t, env.hubs.IsOpen(a.ID))
	assert.False(t, env.hubs.IsOpen(b.ID))

	_, _, err = env.manager.Ensure(ctx, a.ID)
	assert.ErrorIs(t, err, model.ErrSessionClosed)

	// Links survive shutdown.
	list, err := env.links.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "found", Found.String())
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "not_found", NotFound.String())
}
