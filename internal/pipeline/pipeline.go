// Package pipeline forwards the device's display chunks and the encoded
// audio packets into the broadcast hub, collecting forwarding telemetry on
// the way.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/m8bridge/internal/protocol"
)

// Broadcaster is the subset of hub.Hub that the pipeline uses. Accepting an
// interface here keeps the pipeline testable with stubs.
type Broadcaster interface {
	Publish(m protocol.Message)
	Close()
}

// Stats holds forwarding counters and channel depths, useful for diagnosing
// backpressure between the device, the audio encoder, and the hub.
type Stats struct {
	UptimeMs        int64 `json:"uptimeMs"`
	SerialChunks    int64 `json:"serialChunks"`
	SerialBytes     int64 `json:"serialBytes"`
	AudioPackets    int64 `json:"audioPackets"`
	AudioBytes      int64 `json:"audioBytes"`
	LastSerialMs    int64 `json:"lastSerialMs,omitempty"`
	SerialChanDepth int   `json:"serialChanDepth"`
	AudioChanDepth  int   `json:"audioChanDepth"`
}

// Pipeline bridges the serial link and audio capture to the hub.
type Pipeline struct {
	log       *slog.Logger
	frames    <-chan []byte
	audio     <-chan protocol.Message
	hub       Broadcaster
	startTime time.Time

	serialChunks    atomic.Int64
	serialBytes     atomic.Int64
	audioPackets    atomic.Int64
	audioBytes      atomic.Int64
	lastSerial      atomic.Int64
	serialChanDepth atomic.Int32
	audioChanDepth  atomic.Int32
}

// New creates a Pipeline reading display chunks from frames and encoded
// audio from audio. audio may be nil when capture is disabled.
func New(frames <-chan []byte, audio <-chan protocol.Message, hub Broadcaster) *Pipeline {
	return &Pipeline{
		log:       slog.With("component", "pipeline"),
		frames:    frames,
		audio:     audio,
		hub:       hub,
		startTime: time.Now(),
	}
}

// Stats returns a point-in-time snapshot of forwarding counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		UptimeMs:        time.Since(p.startTime).Milliseconds(),
		SerialChunks:    p.serialChunks.Load(),
		SerialBytes:     p.serialBytes.Load(),
		AudioPackets:    p.audioPackets.Load(),
		AudioBytes:      p.audioBytes.Load(),
		LastSerialMs:    p.lastSerial.Load(),
		SerialChanDepth: int(p.serialChanDepth.Load()),
		AudioChanDepth:  int(p.audioChanDepth.Load()),
	}
}

// Run forwards until ctx is cancelled or the frames channel closes. A closed
// frames channel means the device went away: the hub is closed so every
// viewer is told, and Run returns nil. A closed audio channel only stops
// audio forwarding.
func (p *Pipeline) Run(ctx context.Context) error {
	frames := p.frames
	audio := p.audio

	for {
		p.serialChanDepth.Store(int32(len(frames)))
		p.audioChanDepth.Store(int32(len(audio)))

		// Display data first: it is diff-based and a late chunk corrupts
		// every later frame, whereas a late audio packet is only a glitch.
		select {
		case chunk, ok := <-frames:
			if !ok {
				p.deviceGone()
				return nil
			}
			p.forwardSerial(chunk)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil

		case chunk, ok := <-frames:
			if !ok {
				p.deviceGone()
				return nil
			}
			p.forwardSerial(chunk)

		case m, ok := <-audio:
			if !ok {
				p.log.Info("audio channel closed")
				audio = nil
				continue
			}
			p.hub.Publish(m)
			p.audioPackets.Add(1)
			p.audioBytes.Add(int64(len(m.Payload())))
		}
	}
}

func (p *Pipeline) forwardSerial(chunk []byte) {
	p.hub.Publish(protocol.NewMessage(protocol.TagSerial, chunk))
	p.serialChunks.Add(1)
	p.serialBytes.Add(int64(len(chunk)))
	p.lastSerial.Store(time.Now().UnixMilli())
}

func (p *Pipeline) deviceGone() {
	p.log.Warn("serial channel closed, notifying viewers")
	p.hub.Close()
}
