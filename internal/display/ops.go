// Package display decodes the M8's serial display stream into drawing
// operations for a renderer.
package display

import "fmt"

// Color is an opaque RGB color.
type Color struct {
	R, G, B uint8
}

func (c Color) String() string { return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B) }

// Op is one drawing operation. The concrete types are ClearBackground,
// DrawRectangle, DrawText, WaveUpdate, and SetFont.
type Op interface {
	op()
}

// ClearBackground fills the whole screen with the background.
type ClearBackground struct{}

// DrawRectangle fills a rectangle.
type DrawRectangle struct {
	X, Y, W, H int
	Color      Color
}

// DrawText draws one glyph with its top-left corner at (X, Y).
type DrawText struct {
	Char   byte
	FontID uint8
	X, Y   int
	Fg, Bg Color
}

// WavePoint is one lit pixel of the oscilloscope strip.
type WavePoint struct {
	X, Y int
}

// WaveUpdate replaces the oscilloscope strip. A nil Points means clear it.
type WaveUpdate struct {
	Color  Color
	Points []WavePoint
}

// Clear reports whether the update removes the waveform.
func (w WaveUpdate) Clear() bool { return w.Points == nil }

// SetFont switches the active glyph font.
type SetFont struct {
	FontID uint8
}

func (ClearBackground) op() {}
func (DrawRectangle) op()   {}
func (DrawText) op()        {}
func (WaveUpdate) op()      {}
func (SetFont) op()         {}
