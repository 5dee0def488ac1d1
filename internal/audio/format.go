// Package audio carries the M8's audio output to viewers and back out of a
// speaker: capture-side sample conversion, resampling, and encoding, and the
// client-side decode, resample, and jitter buffering in front of the output
// device.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Stream parameters shared by the encoder and every decoder.
const (
	SampleRate = 48000
	Channels   = 2
	// FrameSize is the number of stereo frames per encoded packet (20ms).
	FrameSize = 960
)

// Sentinel errors.
var (
	ErrUnsupportedFormat = errors.New("audio: unsupported sample format")
	ErrDeviceNotFound    = errors.New("audio: device not found")
	ErrUnknownCodec      = errors.New("audio: unknown codec")
)

// SampleFormat is the raw sample encoding an audio device delivers.
type SampleFormat int

// Supported sample formats. All are little-endian and interleaved.
const (
	FormatUnknown SampleFormat = iota
	FormatU8
	FormatS16
	FormatS24 // packed, 3 bytes per sample
	FormatS32
	FormatF32
)

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "u8"
	case FormatS16:
		return "s16"
	case FormatS24:
		return "s24"
	case FormatS32:
		return "s32"
	case FormatF32:
		return "f32"
	default:
		return "unknown"
	}
}

// Width returns the size of one sample in bytes, or 0 for FormatUnknown.
func (f SampleFormat) Width() int {
	switch f {
	case FormatU8:
		return 1
	case FormatS16:
		return 2
	case FormatS24:
		return 3
	case FormatS32, FormatF32:
		return 4
	default:
		return 0
	}
}

// Converter turns one raw device buffer into interleaved stereo float32
// samples, appending to dst.
type Converter func(dst []float32, raw []byte) []float32

// NewConverter resolves the conversion for a device stream once, when the
// stream is opened. Mono input is duplicated to both channels; input with
// more than two channels keeps the first two.
func NewConverter(format SampleFormat, channels int) (Converter, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, channels)
	}
	switch format {
	case FormatU8:
		return converterFor[u8](channels), nil
	case FormatS16:
		return converterFor[s16](channels), nil
	case FormatS24:
		return converterFor[s24](channels), nil
	case FormatS32:
		return converterFor[s32](channels), nil
	case FormatF32:
		return converterFor[f32](channels), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
	}
}

type sampleDecoder interface {
	width() int
	float(b []byte) float32
}

type (
	u8  struct{}
	s16 struct{}
	s24 struct{}
	s32 struct{}
	f32 struct{}
)

func (u8) width() int  { return 1 }
func (s16) width() int { return 2 }
func (s24) width() int { return 3 }
func (s32) width() int { return 4 }
func (f32) width() int { return 4 }

func (u8) float(b []byte) float32 { return (float32(b[0]) - 128) / 128 }

func (s16) float(b []byte) float32 {
	return float32(int16(binary.LittleEndian.Uint16(b))) / (1 << 15)
}

func (s24) float(b []byte) float32 {
	v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
	return float32(v) / (1 << 23)
}

func (s32) float(b []byte) float32 {
	return float32(float64(int32(binary.LittleEndian.Uint32(b))) / (1 << 31))
}

func (f32) float(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func converterFor[D sampleDecoder](channels int) Converter {
	var d D
	w := d.width()
	stride := w * channels
	return func(dst []float32, raw []byte) []float32 {
		frames := len(raw) / stride
		for i := 0; i < frames; i++ {
			frame := raw[i*stride:]
			l := d.float(frame)
			r := l
			if channels > 1 {
				r = d.float(frame[w:])
			}
			dst = append(dst, l, r)
		}
		return dst
	}
}

// IsSilent reports whether raw is entirely zero bytes. It checks eight bytes
// at a time. An all-zero buffer is digital silence for every signed and
// float format.
func IsSilent(raw []byte) bool {
	i := 0
	for ; i+8 <= len(raw); i += 8 {
		if binary.LittleEndian.Uint64(raw[i:]) != 0 {
			return false
		}
	}
	for ; i < len(raw); i++ {
		if raw[i] != 0 {
			return false
		}
	}
	return true
}
