package audio

import (
	"fmt"
	"sync/atomic"
)

// DefaultJitterChunks is how many encoded chunks of audio the playback
// buffer holds by default.
const DefaultJitterChunks = 4

// PlaybackStats is a snapshot of playback pipeline counters.
type PlaybackStats struct {
	Packets      int64     `json:"packets"`
	DecodeErrors int64     `json:"decodeErrors"`
	Ring         RingStats `json:"ring"`
}

// PlaybackPipeline decodes audio packets, resamples them to the output
// device rate, and buffers the result for the device callback. Push and
// Read may run on different goroutines; each must have a single caller.
type PlaybackPipeline struct {
	decoder   Decoder
	resampler *Resampler
	ring      *JitterRingBuffer
	pcm       []float32

	packets      atomic.Int64
	decodeErrors atomic.Int64
}

// NewPlaybackPipeline builds a pipeline for an output device running at
// deviceRate. The jitter buffer holds jitterChunks packets worth of audio.
func NewPlaybackPipeline(dec Decoder, deviceRate, jitterChunks int) (*PlaybackPipeline, error) {
	if deviceRate <= 0 {
		return nil, fmt.Errorf("audio: invalid output rate %d", deviceRate)
	}
	if jitterChunks <= 0 {
		jitterChunks = DefaultJitterChunks
	}
	out := FrameSize * deviceRate / SampleRate
	rs, err := NewResampler(SampleRate, deviceRate, out)
	if err != nil {
		return nil, err
	}
	return &PlaybackPipeline{
		decoder:   dec,
		resampler: rs,
		ring:      NewJitterRingBuffer(jitterChunks * out * Channels),
		pcm:       make([]float32, FrameSize*Channels*6), // 120ms, the largest Opus frame
	}, nil
}

// Push decodes one packet and queues its samples for playback.
func (p *PlaybackPipeline) Push(packet []byte) error {
	n, err := p.decoder.Decode(packet, p.pcm)
	if err != nil {
		p.decodeErrors.Add(1)
		return err
	}
	p.packets.Add(1)
	p.resampler.Process(p.pcm[:n], func(chunk []float32) {
		p.ring.Push(chunk)
	})
	return nil
}

// Read fills dst with interleaved stereo samples. It never blocks.
func (p *PlaybackPipeline) Read(dst []float32) int {
	return p.ring.Pop(dst)
}

// Buffer exposes the jitter buffer.
func (p *PlaybackPipeline) Buffer() *JitterRingBuffer { return p.ring }

func (p *PlaybackPipeline) Stats() PlaybackStats {
	return PlaybackStats{
		Packets:      p.packets.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		Ring:         p.ring.Stats(),
	}
}
