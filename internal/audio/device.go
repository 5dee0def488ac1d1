package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/gen2brain/malgo"

	"github.com/zsiec/m8bridge/internal/protocol"
)

// DeviceInfo names an audio device found on the host.
type DeviceInfo struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

func initContext(log *slog.Logger) (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return ctx, nil
}

func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

// ListCaptureDevices enumerates input devices.
func ListCaptureDevices() ([]DeviceInfo, error) {
	ctx, err := initContext(slog.With("component", "audio"))
	if err != nil {
		return nil, err
	}
	defer freeContext(ctx)

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, DeviceInfo{Name: info.Name(), IsDefault: info.IsDefault != 0})
	}
	return devices, nil
}

func sampleFormat(f malgo.FormatType) SampleFormat {
	switch f {
	case malgo.FormatU8:
		return FormatU8
	case malgo.FormatS16:
		return FormatS16
	case malgo.FormatS24:
		return FormatS24
	case malgo.FormatS32:
		return FormatS32
	case malgo.FormatF32:
		return FormatF32
	default:
		return FormatUnknown
	}
}

// Capture records from one input device in its native format and feeds a
// CapturePipeline from the device callback.
type Capture struct {
	log      *slog.Logger
	ctx      *malgo.AllocatedContext
	dev      *malgo.Device
	format   StreamFormat
	pipeline *CapturePipeline
}

// OpenCapture opens the input device whose name equals name and prepares a
// pipeline encoding with enc. The device does not deliver audio until Start.
func OpenCapture(name string, enc Encoder) (*Capture, error) {
	log := slog.With("component", "audio-capture", "device", name)
	ctx, err := initContext(log)
	if err != nil {
		return nil, err
	}

	c, err := openCapture(ctx, log, name, enc)
	if err != nil {
		freeContext(ctx)
		return nil, err
	}
	return c, nil
}

func openCapture(ctx *malgo.AllocatedContext, log *slog.Logger, name string, enc Encoder) (*Capture, error) {
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}

	idx := -1
	for i, info := range infos {
		log.Debug("capture device", "name", info.Name())
		if info.Name() == name {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}

	c := &Capture{log: log, ctx: ctx}

	// Unknown format, zero channels and zero rate select the device's
	// native stream.
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.DeviceID = infos[idx].ID.Pointer()
	cfg.Capture.Format = malgo.FormatUnknown
	cfg.Capture.Channels = 0
	cfg.SampleRate = 0

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.pipeline.Process(input)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open capture device %q: %w", name, err)
	}

	c.format = StreamFormat{
		Format:     sampleFormat(dev.CaptureFormat()),
		Channels:   int(dev.CaptureChannels()),
		SampleRate: int(dev.SampleRate()),
	}
	c.pipeline, err = NewCapturePipeline(c.format, enc)
	if err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("capture device %q (%v): %w", name, c.format, err)
	}
	c.dev = dev

	log.Info("capture device opened", "format", c.format.String(), "codec", enc.Codec())
	return c, nil
}

// Format returns the native stream format of the device.
func (c *Capture) Format() StreamFormat { return c.format }

// Packets returns the encoded audio messages.
func (c *Capture) Packets() <-chan protocol.Message { return c.pipeline.Packets() }

func (c *Capture) Stats() CaptureStats { return c.pipeline.Stats() }

// Start begins delivering audio.
func (c *Capture) Start() error {
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	return nil
}

// Close stops the device and closes the packet channel.
func (c *Capture) Close() error {
	c.dev.Uninit()
	c.pipeline.Close()
	freeContext(c.ctx)
	return nil
}

// Player plays a PlaybackPipeline on the default output device.
type Player struct {
	log      *slog.Logger
	ctx      *malgo.AllocatedContext
	dev      *malgo.Device
	pipeline *PlaybackPipeline

	pcm []float32 // callback only
}

// OpenPlayer opens the default output device at its native rate and builds a
// playback pipeline decoding with dec.
func OpenPlayer(dec Decoder, jitterChunks int) (*Player, error) {
	log := slog.With("component", "audio-playback")
	ctx, err := initContext(log)
	if err != nil {
		return nil, err
	}

	p := &Player{log: log, ctx: ctx}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = Channels
	cfg.SampleRate = 0

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: p.onData,
	})
	if err != nil {
		freeContext(ctx)
		return nil, fmt.Errorf("open playback device: %w", err)
	}

	rate := int(dev.SampleRate())
	p.pipeline, err = NewPlaybackPipeline(dec, rate, jitterChunks)
	if err != nil {
		dev.Uninit()
		freeContext(ctx)
		return nil, err
	}
	p.dev = dev

	log.Info("playback device opened", "rate", rate, "codec", dec.Codec())
	return p, nil
}

func (p *Player) onData(output, _ []byte, frames uint32) {
	n := int(frames) * Channels
	if cap(p.pcm) < n {
		p.pcm = make([]float32, n)
	}
	pcm := p.pcm[:n]
	p.pipeline.Read(pcm)
	for i, s := range pcm {
		binary.LittleEndian.PutUint32(output[i*4:], math.Float32bits(s))
	}
}

// Push queues one encoded packet for playback.
func (p *Player) Push(packet []byte) error { return p.pipeline.Push(packet) }

func (p *Player) Stats() PlaybackStats { return p.pipeline.Stats() }

func (p *Player) Start() error {
	if err := p.dev.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	return nil
}

func (p *Player) Close() error {
	p.dev.Uninit()
	freeContext(p.ctx)
	return nil
}
