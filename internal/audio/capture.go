package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/m8bridge/internal/protocol"
)

const defaultPacketBuffer = 16

// StreamFormat describes a device stream as opened.
type StreamFormat struct {
	Format     SampleFormat
	Channels   int
	SampleRate int
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%v %dch %dHz", f.Format, f.Channels, f.SampleRate)
}

// CaptureStats is a snapshot of capture pipeline counters.
type CaptureStats struct {
	Buffers        int64 `json:"buffers"`
	SilentBuffers  int64 `json:"silentBuffers"`
	Packets        int64 `json:"packets"`
	DroppedPackets int64 `json:"droppedPackets"`
	EncodeErrors   int64 `json:"encodeErrors"`
}

// CapturePipeline turns raw device buffers into tagged audio messages:
// convert to float32 stereo, drop silent buffers, resample to 48kHz in
// FrameSize chunks, and encode. Process is called from the audio callback
// and never blocks; when the consumer falls behind, packets are dropped.
type CapturePipeline struct {
	log       *slog.Logger
	convert   Converter
	resampler *Resampler
	encoder   Encoder

	mu      sync.Mutex
	closed  bool
	scratch []float32
	packets chan protocol.Message

	buffers      atomic.Int64
	silent       atomic.Int64
	sent         atomic.Int64
	dropped      atomic.Int64
	encodeErrors atomic.Int64
}

// NewCapturePipeline builds a pipeline for a stream of the given format.
func NewCapturePipeline(format StreamFormat, enc Encoder) (*CapturePipeline, error) {
	convert, err := NewConverter(format.Format, format.Channels)
	if err != nil {
		return nil, err
	}
	rs, err := NewResampler(format.SampleRate, SampleRate, FrameSize)
	if err != nil {
		return nil, err
	}
	return &CapturePipeline{
		log:       slog.With("component", "audio-capture"),
		convert:   convert,
		resampler: rs,
		encoder:   enc,
		packets:   make(chan protocol.Message, defaultPacketBuffer),
	}, nil
}

// Packets returns the channel of encoded audio messages. It is closed by
// Close.
func (p *CapturePipeline) Packets() <-chan protocol.Message { return p.packets }

// Process consumes one raw device buffer.
func (p *CapturePipeline) Process(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.buffers.Add(1)
	if IsSilent(raw) {
		p.silent.Add(1)
		return
	}

	p.scratch = p.convert(p.scratch[:0], raw)
	p.resampler.Process(p.scratch, p.encode)
}

func (p *CapturePipeline) encode(chunk []float32) {
	pkt, err := p.encoder.Encode(chunk)
	if err != nil {
		if p.encodeErrors.Add(1) == 1 {
			p.log.Warn("audio encode failed", "error", err)
		}
		return
	}

	select {
	case p.packets <- protocol.NewMessage(protocol.TagAudio, pkt):
		p.sent.Add(1)
	default:
		p.dropped.Add(1)
	}
}

// Close stops the pipeline and closes the packet channel. Process calls
// after Close are ignored.
func (p *CapturePipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.packets)
	}
}

// Stats returns a snapshot of pipeline counters.
func (p *CapturePipeline) Stats() CaptureStats {
	return CaptureStats{
		Buffers:        p.buffers.Load(),
		SilentBuffers:  p.silent.Load(),
		Packets:        p.sent.Load(),
		DroppedPackets: p.dropped.Load(),
		EncodeErrors:   p.encodeErrors.Load(),
	}
}
