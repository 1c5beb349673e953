// Package engine defines the rendering engine a render session drives: it
// turns a URL into painted frames and accepts synthetic input.
package engine

import (
	"context"

	"github.com/dashboard-autoreload/renderproxy/internal/model"
)

// PointerType identifies a synthetic mouse event.
type PointerType string

const (
	PointerMove  PointerType = "move"
	PointerDown  PointerType = "down"
	PointerUp    PointerType = "up"
	PointerWheel PointerType = "wheel"
)

// PointerEvent is a mouse event in viewport pixel coordinates.
type PointerEvent struct {
	Type   PointerType
	X      int
	Y      int
	Button string
	DeltaX float64
	DeltaY float64
}

// KeyType identifies a synthetic keyboard event.
type KeyType string

const (
	KeyDown KeyType = "keyDown"
	KeyUp   KeyType = "keyUp"
	KeyChar KeyType = "char"
)

// KeyEvent is a keyboard event.
type KeyEvent struct {
	Type KeyType
	Key  string
}

// Engine opens isolated browsing contexts.
type Engine interface {
	// Open creates a blank context at the given viewport. It may fail
	// transiently; callers retry.
	Open(ctx context.Context, vp model.Viewport) (Context, error)
	Close() error
}

// Context is one isolated, off-screen browsing context. Implementations are
// not safe for concurrent mutation; the owning render session serializes
// every call except OnFrame delivery and Done.
type Context interface {
	// OnFrame registers the callback receiving encoded frames on repaint.
	// Frames are delivered sequentially in paint order.
	OnFrame(fn func(frame []byte))
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Resize(ctx context.Context, vp model.Viewport) error
	Pointer(ctx context.Context, ev PointerEvent) error
	Key(ctx context.Context, ev KeyEvent) error
	// StopLoading abandons an in-flight navigation.
	StopLoading() error
	// Done is closed when the context is closed or has crashed.
	Done() <-chan struct{}
	Close() error
}
