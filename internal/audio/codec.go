package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"gopkg.in/hraban/opus.v2"
)

// Codec names accepted by NewEncoder and NewDecoder.
const (
	CodecOpus = "opus"
	CodecZlib = "zlib"
	CodecLZ4  = "lz4"
)

// maxPacketSize bounds one encoded Opus packet.
const maxPacketSize = 4000

// Encoder compresses exactly FrameSize interleaved stereo frames per call.
type Encoder interface {
	Encode(pcm []float32) ([]byte, error)
	Codec() string
}

// Decoder decompresses one packet into pcm and returns the number of
// interleaved samples written.
type Decoder interface {
	Decode(packet []byte, pcm []float32) (int, error)
	Codec() string
}

// NewEncoder returns an encoder for the named codec. A zero bitrate keeps
// the codec default.
func NewEncoder(codec string, bitrate int) (Encoder, error) {
	switch codec {
	case CodecOpus, "":
		return NewOpusEncoder(bitrate)
	case CodecZlib:
		return NewZlibEncoder(), nil
	case CodecLZ4:
		return &LZ4Encoder{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
}

// NewDecoder returns a decoder for the named codec.
func NewDecoder(codec string) (Decoder, error) {
	switch codec {
	case CodecOpus, "":
		return NewOpusDecoder()
	case CodecZlib:
		return NewZlibDecoder(), nil
	case CodecLZ4:
		return &LZ4Decoder{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
}

// OpusEncoder encodes 20ms stereo frames at 48kHz.
type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewOpusEncoder creates an encoder tuned for music.
func NewOpusEncoder(bitrate int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if bitrate > 0 {
		if err := enc.SetBitrate(bitrate); err != nil {
			return nil, fmt.Errorf("set opus bitrate %d: %w", bitrate, err)
		}
	}
	return &OpusEncoder{enc: enc, buf: make([]byte, maxPacketSize)}, nil
}

func (e *OpusEncoder) Codec() string { return CodecOpus }

// Encode returns a newly allocated packet.
func (e *OpusEncoder) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != FrameSize*Channels {
		return nil, fmt.Errorf("opus encode: got %d samples, want %d", len(pcm), FrameSize*Channels)
	}
	n, err := e.enc.EncodeFloat32(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return append([]byte(nil), e.buf[:n]...), nil
}

// OpusDecoder decodes packets produced by OpusEncoder.
type OpusDecoder struct {
	dec *opus.Decoder
}

func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

func (d *OpusDecoder) Codec() string { return CodecOpus }

func (d *OpusDecoder) Decode(packet []byte, pcm []float32) (int, error) {
	n, err := d.dec.DecodeFloat32(packet, pcm)
	if err != nil {
		return 0, fmt.Errorf("opus decode: %w", err)
	}
	return n * Channels, nil
}

// ZlibEncoder deflates raw little-endian float32 PCM. It is lossless and
// several times larger than Opus on the wire.
type ZlibEncoder struct {
	raw []byte
	out bytes.Buffer
	zw  *zlib.Writer
}

func NewZlibEncoder() *ZlibEncoder {
	e := &ZlibEncoder{}
	e.zw, _ = zlib.NewWriterLevel(&e.out, zlib.BestSpeed)
	return e
}

func (e *ZlibEncoder) Codec() string { return CodecZlib }

func (e *ZlibEncoder) Encode(pcm []float32) ([]byte, error) {
	e.raw = appendPCM(e.raw[:0], pcm)

	e.out.Reset()
	e.zw.Reset(&e.out)
	if _, err := e.zw.Write(e.raw); err != nil {
		return nil, fmt.Errorf("zlib encode: %w", err)
	}
	if err := e.zw.Close(); err != nil {
		return nil, fmt.Errorf("zlib encode: %w", err)
	}
	return bytes.Clone(e.out.Bytes()), nil
}

// ZlibDecoder inflates packets produced by ZlibEncoder.
type ZlibDecoder struct {
	buf bytes.Buffer
}

func NewZlibDecoder() *ZlibDecoder { return &ZlibDecoder{} }

func (d *ZlibDecoder) Codec() string { return CodecZlib }

func (d *ZlibDecoder) Decode(packet []byte, pcm []float32) (int, error) {
	zr, err := zlib.NewReader(bytes.NewReader(packet))
	if err != nil {
		return 0, fmt.Errorf("zlib decode: %w", err)
	}
	defer zr.Close()

	d.buf.Reset()
	if _, err := io.Copy(&d.buf, io.LimitReader(zr, int64(len(pcm))*4+1)); err != nil {
		return 0, fmt.Errorf("zlib decode: %w", err)
	}
	raw := d.buf.Bytes()
	if len(raw) > len(pcm)*4 {
		return 0, fmt.Errorf("zlib decode: packet holds more than %d samples", len(pcm))
	}

	return unpackPCM(pcm, raw), nil
}

// LZ4 packets start with a mode byte: the block is either LZ4 compressed
// or, when LZ4 finds nothing to gain, stored.
const (
	lz4Stored     byte = 0
	lz4Compressed byte = 1
)

// LZ4Encoder block-compresses raw little-endian float32 PCM. It is
// lossless and cheaper on CPU than zlib at a lower ratio.
type LZ4Encoder struct {
	raw []byte
	out []byte
}

func (e *LZ4Encoder) Codec() string { return CodecLZ4 }

func (e *LZ4Encoder) Encode(pcm []float32) ([]byte, error) {
	e.raw = appendPCM(e.raw[:0], pcm)

	bound := 1 + lz4.CompressBlockBound(len(e.raw))
	if cap(e.out) < bound {
		e.out = make([]byte, bound)
	}
	out := e.out[:bound]

	n, err := lz4.CompressBlock(e.raw, out[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	if n == 0 || n >= len(e.raw) {
		return append([]byte{lz4Stored}, e.raw...), nil
	}
	out[0] = lz4Compressed
	return bytes.Clone(out[:1+n]), nil
}

// LZ4Decoder decompresses packets produced by LZ4Encoder.
type LZ4Decoder struct {
	buf []byte
}

func (d *LZ4Decoder) Codec() string { return CodecLZ4 }

func (d *LZ4Decoder) Decode(packet []byte, pcm []float32) (int, error) {
	if len(packet) == 0 {
		return 0, fmt.Errorf("lz4 decode: empty packet")
	}
	var raw []byte
	switch packet[0] {
	case lz4Stored:
		raw = packet[1:]
	case lz4Compressed:
		if cap(d.buf) < len(pcm)*4 {
			d.buf = make([]byte, len(pcm)*4)
		}
		n, err := lz4.UncompressBlock(packet[1:], d.buf[:len(pcm)*4])
		if err != nil {
			return 0, fmt.Errorf("lz4 decode: %w", err)
		}
		raw = d.buf[:n]
	default:
		return 0, fmt.Errorf("lz4 decode: unknown mode %d", packet[0])
	}
	if len(raw) > len(pcm)*4 {
		return 0, fmt.Errorf("lz4 decode: packet holds more than %d samples", len(pcm))
	}
	return unpackPCM(pcm, raw), nil
}

func appendPCM(dst []byte, pcm []float32) []byte {
	for _, s := range pcm {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}

// unpackPCM decodes little-endian float32 samples from raw into pcm and
// returns how many it wrote.
func unpackPCM(pcm []float32, raw []byte) int {
	n := len(raw) / 4
	for i := 0; i < n; i++ {
		pcm[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return n
}
