package model

import "strings"

// Input event types accepted from viewers.
const (
	InputMouseMove  = "mouseMove"
	InputMouseDown  = "mouseDown"
	InputMouseUp    = "mouseUp"
	InputMouseWheel = "mouseWheel"
	InputKeyDown    = "keyDown"
	InputKeyUp      = "keyUp"
	InputChar       = "char"
)

// InputEvent is a normalized pointer or keyboard event. X and Y are fractions
// of the viewport in [0,1].
type InputEvent struct {
	Type    string  `json:"type"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Button  string  `json:"button,omitempty"`
	DeltaX  float64 `json:"deltaX,omitempty"`
	DeltaY  float64 `json:"deltaY,omitempty"`
	Key     string  `json:"key,omitempty"`
	KeyCode string  `json:"keyCode,omitempty"`
}

// IsPointer reports whether the event is a mouse event.
func (e *InputEvent) IsPointer() bool {
	return strings.HasPrefix(e.Type, "mouse")
}

// IsKey reports whether the event is a keyboard event.
func (e *InputEvent) IsKey() bool {
	return e.Type == InputKeyDown || e.Type == InputKeyUp || e.Type == InputChar
}

// KeyName returns KeyCode when set, otherwise Key.
func (e *InputEvent) KeyName() string {
	if e.KeyCode != "" {
		return e.KeyCode
	}
	return e.Key
}

// Viewport is the pixel size of a rendering context.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Viewport bounds and defaults.
const (
	MinWidth      = 320
	MaxWidth      = 3840
	MinHeight     = 240
	MaxHeight     = 2160
	DefaultWidth  = 1366
	DefaultHeight = 768
)

// Clamp returns the viewport limited to the supported range. Non-positive
// dimensions fall back to the defaults.
func (v Viewport) Clamp() Viewport {
	w, h := v.Width, v.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return Viewport{
		Width:  clampInt(w, MinWidth, MaxWidth),
		Height: clampInt(h, MinHeight, MaxHeight),
	}
}

// DefaultViewport returns the viewport used when none is requested.
func DefaultViewport() Viewport {
	return Viewport{Width: DefaultWidth, Height: DefaultHeight}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
