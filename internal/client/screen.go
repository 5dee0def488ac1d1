package client

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/zsiec/m8bridge/internal/display"
)

type cell struct{ x, y int }

// Screen is a headless Renderer that keeps the characters currently on the
// device screen, keyed by pixel position, so it can be dumped as text.
type Screen struct {
	mu     sync.Mutex
	chars  map[cell]byte
	font   uint8
	clears int64
}

func NewScreen() *Screen {
	return &Screen{chars: make(map[cell]byte)}
}

// Render applies ops to the screen.
func (s *Screen) Render(ops []display.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		switch o := op.(type) {
		case display.ClearBackground:
			clear(s.chars)
			s.clears++
		case display.DrawRectangle:
			s.erase(o)
		case display.DrawText:
			if o.Char == ' ' {
				delete(s.chars, cell{o.X, o.Y})
			} else {
				s.chars[cell{o.X, o.Y}] = o.Char
			}
		case display.SetFont:
			s.font = o.FontID
		}
	}
}

// erase drops glyphs whose origin the rectangle covers. A text background
// fill starts one pixel below the glyph origin, so that row is included.
func (s *Screen) erase(r display.DrawRectangle) {
	for c := range s.chars {
		if c.x >= r.X && c.x < r.X+r.W && c.y+1 >= r.Y && c.y < r.Y+r.H {
			delete(s.chars, c)
		}
	}
}

// Text returns the characters on screen, one line per distinct y
// coordinate, top to bottom.
func (s *Screen) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cells := make([]cell, 0, len(s.chars))
	for c := range s.chars {
		cells = append(cells, c)
	}
	slices.SortFunc(cells, func(a, b cell) int {
		return cmp.Or(cmp.Compare(a.y, b.y), cmp.Compare(a.x, b.x))
	})

	var b strings.Builder
	for i, c := range cells {
		if i > 0 && c.y != cells[i-1].y {
			b.WriteByte('\n')
		}
		b.WriteByte(s.chars[c])
	}
	return b.String()
}

// Clears returns how many full-screen clears have been rendered.
func (s *Screen) Clears() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// FontID returns the font set by the last SetFont.
func (s *Screen) FontID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.font
}
