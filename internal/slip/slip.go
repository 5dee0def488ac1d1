// Package slip handles the SLIP-style framing the M8 uses on its serial
// display stream: an arbitrarily chunked byte stream is cut at END markers,
// split into sub-frames, and each sub-frame is unescaped before decoding.
package slip

import (
	"bytes"
	"errors"
)

// Framing bytes.
const (
	End    byte = 0xC0
	Esc    byte = 0xDB
	EscEnd byte = 0xDC
	EscEsc byte = 0xDD
)

// ErrBadEscape is returned by Decode when an escape byte is dangling or
// followed by something other than EscEnd/EscEsc.
var ErrBadEscape = errors.New("slip: invalid escape sequence")

// Reassembler accumulates bytes from successive reads and releases
// everything up to and including the last END marker seen so far.
//
// The released chunk may hold several END-terminated frames; splitting
// them is left to the consumer (see Split). Bytes after the last END stay
// buffered until a later read supplies another END, so a complete frame
// can wait one extra read when it is followed by a partial one.
type Reassembler struct {
	buf []byte
}

// Push appends p to the residual buffer. If the buffer now contains an END
// marker it returns the bytes up to and including the last one; the caller
// owns the returned slice. Otherwise it returns nil.
func (r *Reassembler) Push(p []byte) []byte {
	r.buf = append(r.buf, p...)

	idx := bytes.LastIndexByte(r.buf, End)
	if idx < 0 {
		return nil
	}

	ready := make([]byte, idx+1)
	copy(ready, r.buf[:idx+1])

	rest := len(r.buf) - (idx + 1)
	copy(r.buf, r.buf[idx+1:])
	r.buf = r.buf[:rest]

	return ready
}

// Buffered returns the number of bytes waiting for an END marker.
func (r *Reassembler) Buffered() int { return len(r.buf) }

// Reset discards any buffered partial frame.
func (r *Reassembler) Reset() { r.buf = r.buf[:0] }

// Split returns the non-empty END-delimited sub-frames in chunk, without
// their END markers. A trailing unterminated segment is returned as well;
// the Reassembler never produces one, but Split does not assume that.
func Split(chunk []byte) [][]byte {
	var frames [][]byte
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, End)
		if idx < 0 {
			frames = append(frames, chunk)
			break
		}
		if idx > 0 {
			frames = append(frames, chunk[:idx])
		}
		chunk = chunk[idx+1:]
	}
	return frames
}

// Decode removes SLIP escaping from a single sub-frame. END bytes are not
// expected inside frame; any that are present are skipped.
func Decode(frame []byte) ([]byte, error) {
	out := make([]byte, 0, len(frame))
	for i := 0; i < len(frame); i++ {
		b := frame[i]
		switch b {
		case End:
			continue
		case Esc:
			i++
			if i >= len(frame) {
				return nil, ErrBadEscape
			}
			switch frame[i] {
			case EscEnd:
				out = append(out, End)
			case EscEsc:
				out = append(out, Esc)
			default:
				return nil, ErrBadEscape
			}
		default:
			out = append(out, b)
		}
	}
	return out, nil
}

// Encode escapes payload and terminates it with END, producing the bytes a
// device would emit for one frame.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	for _, b := range payload {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, End)
}
