package display

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/m8bridge/internal/protocol"
	"github.com/zsiec/m8bridge/internal/slip"
)

// Frame opcodes.
const (
	OpRect   byte = 0xFE
	OpText   byte = 0xFD
	OpWave   byte = 0xFC
	OpSystem byte = 0xFF
)

// Screen geometry defaults.
const (
	DefaultScreenWidth  = 320
	DefaultScreenHeight = 240
	DefaultWaveHeight   = 24
)

// Glyph cell behind a TEXT frame's background fill, relative to its x,y.
const (
	glyphCellW       = 8
	glyphCellH       = 11
	glyphCellOffsetY = 1
)

// ErrUnknownTag is returned by Decode for a message that is neither display
// data nor audio.
var ErrUnknownTag = errors.New("display: unknown message tag")

// Config sets the screen geometry the decoder assumes.
type Config struct {
	ScreenWidth  int
	ScreenHeight int
	WaveHeight   int
}

func (c Config) withDefaults() Config {
	if c.ScreenWidth <= 0 {
		c.ScreenWidth = DefaultScreenWidth
	}
	if c.ScreenHeight <= 0 {
		c.ScreenHeight = DefaultScreenHeight
	}
	if c.WaveHeight <= 0 {
		c.WaveHeight = DefaultWaveHeight
	}
	return c
}

// Result is what one message decodes to: drawing operations for display
// data, or the untouched codec packet for audio.
type Result struct {
	Ops   []Op
	Audio []byte
}

// Stats counts decoded frames.
type Stats struct {
	Frames      int64 `json:"frames"`
	BadEscapes  int64 `json:"badEscapes"`
	Malformed   int64 `json:"malformed"`
	Unknown     int64 `json:"unknown"`
	AudioFrames int64 `json:"audioFrames"`
}

// Decoder turns tagged messages into drawing operations. The device sends
// diffs, so the last color and the font id carry over between frames and
// between messages. A Decoder is not safe for concurrent use.
type Decoder struct {
	log   *slog.Logger
	cfg   Config
	color Color
	font  uint8
	stats Stats
}

// NewDecoder returns a decoder with black as the current color and font 0.
func NewDecoder(cfg Config) *Decoder {
	return &Decoder{
		log: slog.With("component", "display"),
		cfg: cfg.withDefaults(),
	}
}

// FontID returns the active font.
func (d *Decoder) FontID() uint8 { return d.font }

// Stats returns decode counters.
func (d *Decoder) Stats() Stats { return d.stats }

// Decode decodes one tagged message.
func (d *Decoder) Decode(m protocol.Message) (Result, error) {
	switch m.Tag() {
	case protocol.TagAudio:
		d.stats.AudioFrames++
		return Result{Audio: m.Payload()}, nil
	case protocol.TagSerial:
		return Result{Ops: d.DecodeChunk(nil, m.Payload())}, nil
	case 0:
		return Result{}, protocol.ErrEmptyMessage
	default:
		return Result{}, fmt.Errorf("%w: %v", ErrUnknownTag, m.Tag())
	}
}

// DecodeChunk splits a chunk of END-terminated frames, unescapes each, and
// appends the resulting operations to ops. Frames with bad escapes, short
// frames, and unknown opcodes produce nothing.
func (d *Decoder) DecodeChunk(ops []Op, chunk []byte) []Op {
	for _, raw := range slip.Split(chunk) {
		frame, err := slip.Decode(raw)
		if err != nil {
			d.stats.BadEscapes++
			d.log.Debug("dropping frame", "error", err, "len", len(raw))
			continue
		}
		ops = d.DecodeFrame(ops, frame)
	}
	return ops
}

// DecodeFrame decodes one unescaped frame, opcode first, appending to ops.
func (d *Decoder) DecodeFrame(ops []Op, frame []byte) []Op {
	if len(frame) == 0 {
		return ops
	}
	d.stats.Frames++

	body := frame[1:]
	n := len(ops)
	switch frame[0] {
	case OpRect:
		ops = d.rect(ops, body)
	case OpText:
		ops = d.text(ops, body)
	case OpWave:
		ops = d.wave(ops, body)
	case OpSystem:
		ops = d.system(ops, body)
	default:
		d.stats.Unknown++
		return ops
	}
	if len(ops) == n {
		d.stats.Malformed++
	}
	return ops
}

func u16(b []byte) int { return int(binary.LittleEndian.Uint16(b)) }

func rgb(b []byte) Color { return Color{R: b[0], G: b[1], B: b[2]} }

func (d *Decoder) rect(ops []Op, f []byte) []Op {
	if len(f) < 4 {
		return ops
	}
	x, y := u16(f[0:]), u16(f[2:])
	w, h := 1, 1
	switch len(f) {
	case 11:
		w, h = u16(f[4:]), u16(f[6:])
		d.color = rgb(f[8:])
	case 8:
		w, h = u16(f[4:]), u16(f[6:])
	case 7:
		d.color = rgb(f[4:])
	}

	if x == 0 && y == 0 && w >= d.cfg.ScreenWidth && h >= d.cfg.ScreenHeight {
		return append(ops, ClearBackground{})
	}
	return append(ops, DrawRectangle{X: x, Y: y, W: w, H: h, Color: d.color})
}

func (d *Decoder) text(ops []Op, f []byte) []Op {
	if len(f) < 8 {
		return ops
	}
	x, y := u16(f[1:]), u16(f[3:])
	fg := rgb(f[5:])
	bg := fg
	if len(f) >= 11 {
		bg = rgb(f[8:])
	}

	if fg != bg {
		ops = append(ops, DrawRectangle{
			X: x, Y: y + glyphCellOffsetY,
			W: glyphCellW, H: glyphCellH,
			Color: bg,
		})
	}
	return append(ops, DrawText{Char: f[0], FontID: d.font, X: x, Y: y, Fg: fg, Bg: bg})
}

func (d *Decoder) wave(ops []Op, f []byte) []Op {
	if len(f) < 3 {
		return ops
	}
	c := rgb(f)
	data := f[3:]
	if len(data) == 0 {
		return append(ops, WaveUpdate{Color: c})
	}

	cols := min(len(data), d.cfg.ScreenWidth)
	points := make([]WavePoint, cols)
	for i := 0; i < cols; i++ {
		points[i] = WavePoint{X: i, Y: min(int(data[i]), d.cfg.WaveHeight-1)}
	}
	return append(ops, WaveUpdate{Color: c, Points: points})
}

func (d *Decoder) system(ops []Op, f []byte) []Op {
	if len(f) < 5 {
		return ops
	}
	d.font = f[4]
	return append(ops, SetFont{FontID: d.font})
}
