package ws

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

// recordingWriter collects frames, optionally blocking or failing.
type recordingWriter struct {
	mu     sync.Mutex
	frames []string
	closed bool
	delay  time.Duration
	fail   bool
	gate   chan struct{}
	calls  int
}

func (w *recordingWriter) WriteFrame(frame []byte) error {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	if w.gate != nil {
		<-w.gate
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broken pipe")
	}
	w.frames = append(w.frames, string(frame))
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) Frames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.frames...)
}

func (w *recordingWriter) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func (w *recordingWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *recordingWriter) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.frames) == 0 {
		return ""
	}
	return w.frames[len(w.frames)-1]
}

func newTestHubs() *HubManager {
	return NewHubManager(zap.NewNop(), nil)
}

func TestHub_PublishReachesAllViewers(t *testing.T) {
	hubs := newTestHubs()
	hubs.Open("s1")

	a, b := &recordingWriter{}, &recordingWriter{}
	_, err := hubs.Attach("s1", a)
	require.NoError(t, err)
	_, err = hubs.Attach("s1", b)
	require.NoError(t, err)
	assert.Equal(t, 2, hubs.ViewerCount("s1"))

	hubs.Publish("s1", []byte("f1"))

	require.Eventually(t, func() bool { return a.Last() == "f1" && b.Last() == "f1" }, waitFor, poll)
}

func TestHub_NewViewerGetsCachedFrameFirst(t *testing.T) {
	hubs := newTestHubs()
	hubs.Open("s1")
	hubs.Publish("s1", []byte("f1"))
	hubs.Publish("s1", []byte("f2"))

	w := &recordingWriter{}
	_, err := hubs.Attach("s1", w)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(w.Frames()) == 1 }, waitFor, poll)
	assert.Equal(t, []string{"f2"}, w.Frames())

	hubs.Publish("s1", []byte("f3"))
	require.Eventually(t, func() bool { return w.Last() == "f3" }, waitFor, poll)
	assert.Equal(t, []string{"f2", "f3"}, w.Frames())
}

func TestHub_SlowViewerSkipsToLatest(t *testing.T) {
	hubs := newTestHubs()
	hubs.Open("s1")

	gate := make(chan struct{})
	slow := &recordingWriter{gate: gate}
	fast := &recordingWriter{}
	sv, err := hubs.Attach("s1", slow)
	require.NoError(t, err)
	_, err = hubs.Attach("s1", fast)
	require.NoError(t, err)

	// The slow viewer blocks on its first frame while ten more arrive.
	hubs.Publish("s1", []byte("f0"))
	require.Eventually(t, func() bool { return fast.Last() == "f0" && slow.Calls() == 1 }, waitFor, poll)
	for i := 1; i <= 10; i++ {
		hubs.Publish("s1", []byte("f"+strconv.Itoa(i)))
	}
	require.Eventually(t, func() bool { return fast.Last() == "f10" }, waitFor, poll)
	close(gate)

	require.Eventually(t, func() bool { return slow.Last() == "f10" }, waitFor, poll)
	assert.Equal(t, []string{"f0", "f10"}, slow.Frames())
	assert.Equal(t, uint64(9), sv.Skipped())
}

func TestHub_FailedViewerIsIsolated(t *testing.T) {
	hubs := newTestHubs()
	hubs.Open("s1")

	broken := &recordingWriter{fail: true}
	healthy := &recordingWriter{}
	bv, err := hubs.Attach("s1", broken)
	require.NoError(t, err)
	_, err = hubs.Attach("s1", healthy)
	require.NoError(t, err)

	hubs.Publish("s1", []byte("f1"))

	select {
	case <-bv.Done():
	case <-time.After(waitFor):
		t.Fatal("broken viewer was not detached")
	}
	assert.True(t, broken.Closed())
	require.Eventually(t, func() bool { return hubs.ViewerCount("s1") == 1 }, waitFor, poll)

	hubs.Publish("s1", []byte("f2"))
	require.Eventually(t, func() bool { return healthy.Last() == "f2" }, waitFor, poll)
	assert.False(t, healthy.Closed())
}

func TestHub_DetachIsIdempotent(t *testing.T) {
	hubs := newTestHubs()
	hubs.Open("s1")

	w := &recordingWriter{}
	v, err := hubs.Attach("s1", w)
	require.NoError(t, err)

	hubs.Detach(v)
	hubs.Detach(v)
	assert.Equal(t, 0, hubs.ViewerCount("s1"))
	assert.True(t, w.Closed())

	// Frames after detach are not written.
	hubs.Publish("s1", []byte("late"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, w.Frames())
}

func TestHubManager_RemoveDisconnectsViewers(t *testing.T) {
	hubs := newTestHubs()
	hubs.Open("s1")
	hubs.Open("s2")

	w1, w2 := &recordingWriter{}, &recordingWriter{}
	v1, err := hubs.Attach("s1", w1)
	require.NoError(t, err)
	_, err = hubs.Attach("s2", w2)
	require.NoError(t, err)

	hubs.Remove("s1")

	<-v1.Done()
	assert.True(t, w1.Closed())
	assert.False(t, w2.Closed())
	assert.Nil(t, hubs.Get("s1"))

	_, err = hubs.Attach("s1", &recordingWriter{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Publishing to a removed session is dropped.
	hubs.Publish("s1", []byte("late"))
	assert.Empty(t, w1.Frames())
}

func TestHubManager_OpenKeepsExistingHub(t *testing.T) {
	hubs := newTestHubs()
	hubs.Open("s1")
	hubs.Publish("s1", []byte("f1"))

	hubs.Open("s1")
	assert.Equal(t, []byte("f1"), hubs.Get("s1").LastFrame())
}

func TestHubManager_Close(t *testing.T) {
	hubs := newTestHubs()
	hubs.Open("s1")
	w := &recordingWriter{}
	_, err := hubs.Attach("s1", w)
	require.NoError(t, err)

	hubs.Close()
	assert.True(t, w.Closed())
	assert.Equal(t, 0, hubs.ViewerCount("s1"))
}

func TestHubDeliveryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("each viewer sees frames in order and ends on the last one", prop.ForAll(
		func(n int, viewers int) bool {
			hubs := newTestHubs()
			defer hubs.Close()
			hubs.Open("s")

			writers := make([]*recordingWriter, viewers)
			for i := range writers {
				writers[i] = &recordingWriter{delay: time.Duration(i) * 100 * time.Microsecond}
				if _, err := hubs.Attach("s", writers[i]); err != nil {
					return false
				}
			}

			for i := 1; i <= n; i++ {
				hubs.Publish("s", []byte(strconv.Itoa(i)))
			}

			want := strconv.Itoa(n)
			deadline := time.Now().Add(waitFor)
			for _, w := range writers {
				for w.Last() != want {
					if time.Now().After(deadline) {
						return false
					}
					time.Sleep(time.Millisecond)
				}
				prev := 0
				for _, f := range w.Frames() {
					v, _ := strconv.Atoi(f)
					if v <= prev {
						return false
					}
					prev = v
				}
			}
			return true
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
