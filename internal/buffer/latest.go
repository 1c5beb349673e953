// Package buffer provides the single-slot frame buffer used for latest-wins
// frame delivery.
package buffer

import (
	"sync"
)

// Latest is a thread-safe buffer that holds at most one frame. Every Store
// replaces the previous frame; a frame that was never taken is counted as
// overwritten.
//
// A reader waits on C() and then calls Take. Because there is only one slot,
// a slow reader observes a suffix of the stored frames in store order and the
// buffer never grows.
type Latest struct {
	mu          sync.Mutex
	data        []byte
	seq         uint64
	pending     bool
	overwritten uint64
	ready       chan struct{}
}

// NewLatest creates an empty Latest buffer.
func NewLatest() *Latest {
	return &Latest{
		ready: make(chan struct{}, 1),
	}
}

// Store replaces the buffered frame and wakes a waiting reader.
// It reports whether an untaken frame was overwritten.
func (l *Latest) Store(p []byte) (dropped bool) {
	l.mu.Lock()
	dropped = l.pending
	if dropped {
		l.overwritten++
	}
	l.data = p
	l.seq++
	l.pending = true
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Take returns the buffered frame if it has not been taken yet.
func (l *Latest) Take() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pending {
		return nil, false
	}
	l.pending = false
	return l.data, true
}

// Load returns the most recent frame without marking it taken, or nil.
func (l *Latest) Load() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data
}

// C returns a channel that receives a value after each Store. Several stores
// may collapse into a single wake-up.
func (l *Latest) C() <-chan struct{} {
	return l.ready
}

// Seq returns the number of frames stored so far.
func (l *Latest) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Overwritten returns how many frames were replaced before a reader took them.
func (l *Latest) Overwritten() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overwritten
}

// Clear drops the buffered frame.
func (l *Latest) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = nil
	l.pending = false
}
