// Package protocol defines the bytes exchanged between the bridge, its
// WebSocket clients, and the M8 itself: tagged messages on the socket,
// command bytes on the serial line, and the keyboard bitmask.
package protocol

import (
	"errors"
	"fmt"
)

// Tag identifies the payload type of a TaggedMessage.
type Tag byte

// Message tags.
const (
	TagSerial Tag = 'S' // display data from the serial link, SLIP framed
	TagAudio  Tag = 'A' // one encoded audio packet
)

func (t Tag) String() string {
	switch t {
	case TagSerial:
		return "serial"
	case TagAudio:
		return "audio"
	default:
		return fmt.Sprintf("tag(0x%02x)", byte(t))
	}
}

// ErrEmptyMessage is returned when parsing a frame with no tag byte.
var ErrEmptyMessage = errors.New("protocol: empty message")

// Message is the unit fanned out through the hub and sent to clients as a
// binary WebSocket frame: a one-byte tag followed by the payload. The wire
// form is rendered once and shared by every subscriber; treat it as
// read-only.
type Message struct {
	data []byte
}

// NewMessage builds a tagged message, copying payload.
func NewMessage(tag Tag, payload []byte) Message {
	b := make([]byte, 1+len(payload))
	b[0] = byte(tag)
	copy(b[1:], payload)
	return Message{data: b}
}

// Parse wraps a wire frame received from a peer. The message aliases b.
// Unknown tags are accepted; callers decide whether to ignore them.
func Parse(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, ErrEmptyMessage
	}
	return Message{data: b}, nil
}

// Tag returns the message tag, or zero for the zero Message.
func (m Message) Tag() Tag {
	if len(m.data) == 0 {
		return 0
	}
	return Tag(m.data[0])
}

// Payload returns the bytes after the tag.
func (m Message) Payload() []byte {
	if len(m.data) == 0 {
		return nil
	}
	return m.data[1:]
}

// Bytes returns the wire encoding of m.
func (m Message) Bytes() []byte { return m.data }

// Len returns the wire length of m.
func (m Message) Len() int { return len(m.data) }

// Serial command bytes understood by the M8.
const (
	CmdKeys       byte = 0x43 // 'C' followed by a key bitmask
	CmdDisconnect byte = 0x44 // 'D'
	CmdEnable     byte = 0x45 // 'E'
	CmdReset      byte = 0x52 // 'R'
)

// DisconnectSequence puts the device into its disconnected state; it is the
// first half of the wake/reset handshake.
func DisconnectSequence() []byte { return []byte{CmdDisconnect} }

// EnableResetSequence enables display output and requests a full redraw.
func EnableResetSequence() []byte { return []byte{CmdEnable, CmdReset} }

// Keys is the M8 keyboard state bitmask; a set bit means the key is down.
type Keys uint8

// Key bits.
const (
	KeyX     Keys = 1 << 0
	KeyZ     Keys = 1 << 1
	KeyRight Keys = 1 << 2
	KeyPlay  Keys = 1 << 3
	KeyShift Keys = 1 << 4
	KeyDown  Keys = 1 << 5
	KeyUp    Keys = 1 << 6
	KeyLeft  Keys = 1 << 7
)

var keyNames = []struct {
	key  Keys
	name string
}{
	{KeyUp, "up"},
	{KeyDown, "down"},
	{KeyLeft, "left"},
	{KeyRight, "right"},
	{KeyShift, "shift"},
	{KeyPlay, "play"},
	{KeyZ, "z"},
	{KeyX, "x"},
}

// KeyByName resolves a key name ("up", "play", "z", ...) to its bit.
func KeyByName(name string) (Keys, bool) {
	for _, k := range keyNames {
		if k.name == name {
			return k.key, true
		}
	}
	return 0, false
}

// Encode returns the serial command that reports k to the device.
func (k Keys) Encode() []byte { return []byte{CmdKeys, byte(k)} }

// Has reports whether every bit of key is set in k.
func (k Keys) Has(key Keys) bool { return k&key == key }

func (k Keys) String() string {
	if k == 0 {
		return "none"
	}
	s := ""
	for _, n := range keyNames {
		if k.Has(n.key) {
			if s != "" {
				s += "+"
			}
			s += n.name
		}
	}
	return s
}
