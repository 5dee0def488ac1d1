// Package device owns the serial connection to the M8: the wake/reset
// handshake, the read loop that reassembles display frames, and the single
// write path that serializes client input onto the wire.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/m8bridge/internal/protocol"
	"github.com/zsiec/m8bridge/internal/slip"
)

// Sentinel errors returned by Link.
var (
	// ErrDisconnected is returned by Run when the device stops responding
	// (a zero-length read or a non-transient read error).
	ErrDisconnected = errors.New("device: disconnected")
	// ErrLinkClosed is returned by Send once the read/write loop has stopped.
	ErrLinkClosed = errors.New("device: link closed")
)

// Default link parameters.
const (
	DefaultBaud           = 115200
	DefaultReadTimeout    = 10 * time.Millisecond
	DefaultHandshakeDelay = 50 * time.Millisecond
	defaultReadBuffer     = 1024
	defaultFrameBuffer    = 8
	defaultCommandBuffer  = 32
)

// Command is a request for the write path. The concrete types are Connect
// and WriteBytes.
type Command interface {
	command()
	result() chan<- error
}

// Connect re-sends the enable/reset sequence so the device redraws its full
// screen for a newly joined viewer.
type Connect struct {
	// Result, if non-nil, receives the write error (or nil). The send is
	// non-blocking, so the channel should be buffered.
	Result chan<- error
}

// WriteBytes writes Payload to the device verbatim.
type WriteBytes struct {
	Payload []byte
	// Result, if non-nil, receives the write error (or nil). The send is
	// non-blocking, so the channel should be buffered.
	Result chan<- error
}

func (Connect) command()                  {}
func (c Connect) result() chan<- error    { return c.Result }
func (WriteBytes) command()               {}
func (w WriteBytes) result() chan<- error { return w.Result }

// Config holds Link parameters. Zero values fall back to the defaults.
type Config struct {
	Path           string
	Baud           int
	ReadTimeout    time.Duration
	HandshakeDelay time.Duration
	ReadBufferSize int
	FrameBuffer    int
	CommandBuffer  int
}

func (c Config) withDefaults() Config {
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.HandshakeDelay == 0 {
		c.HandshakeDelay = DefaultHandshakeDelay
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaultReadBuffer
	}
	if c.FrameBuffer == 0 {
		c.FrameBuffer = defaultFrameBuffer
	}
	if c.CommandBuffer == 0 {
		c.CommandBuffer = defaultCommandBuffer
	}
	return c
}

// Stats is a snapshot of link counters.
type Stats struct {
	Path        string `json:"path"`
	Connected   bool   `json:"connected"`
	BytesRead   int64  `json:"bytesRead"`
	Chunks      int64  `json:"chunks"`
	Commands    int64  `json:"commands"`
	WriteErrors int64  `json:"writeErrors"`
}

// Link is the serial connection to one device. Run must be called exactly
// once; it performs all reads and all post-handshake writes.
type Link struct {
	log  *slog.Logger
	cfg  Config
	port Port

	writeMu sync.Mutex

	commands chan Command
	frames   chan []byte
	done     chan struct{}

	reasm slip.Reassembler

	connected   atomic.Bool
	bytesRead   atomic.Int64
	chunks      atomic.Int64
	cmdCount    atomic.Int64
	writeErrors atomic.Int64
}

// Open opens the serial port named by cfg.Path and performs the handshake.
func Open(cfg Config) (*Link, error) {
	cfg = cfg.withDefaults()
	port, err := OpenPort(cfg.Path, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	l, err := New(port, cfg)
	if err != nil {
		port.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an already open port and performs the wake/reset handshake:
// DISCONNECT, a short pause, then ENABLE+RESET. The device emits no display
// data until this has happened.
func New(port Port, cfg Config) (*Link, error) {
	cfg = cfg.withDefaults()
	l := &Link{
		log:      slog.With("component", "serial", "path", cfg.Path),
		cfg:      cfg,
		port:     port,
		commands: make(chan Command, cfg.CommandBuffer),
		frames:   make(chan []byte, cfg.FrameBuffer),
		done:     make(chan struct{}),
	}

	if err := l.write(protocol.DisconnectSequence()); err != nil {
		return nil, fmt.Errorf("handshake disconnect: %w", err)
	}
	time.Sleep(cfg.HandshakeDelay)
	if err := l.write(protocol.EnableResetSequence()); err != nil {
		return nil, fmt.Errorf("handshake enable: %w", err)
	}

	l.connected.Store(true)
	l.log.Debug("serial handshake complete")
	return l, nil
}

// Frames returns the channel of reassembled chunks. Each chunk ends with an
// END marker and may hold several frames. The channel is closed when Run
// returns.
func (l *Link) Frames() <-chan []byte { return l.frames }

// Done is closed when Run returns.
func (l *Link) Done() <-chan struct{} { return l.done }

// Connected reports whether the read loop is still running against a live
// device.
func (l *Link) Connected() bool { return l.connected.Load() }

// Send queues cmd for the write path. It blocks while the queue is full;
// control commands are never dropped.
func (l *Link) Send(ctx context.Context, cmd Command) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}

	select {
	case l.commands <- cmd:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the read loop until the device disconnects or ctx is
// cancelled. Between reads it drains queued commands, so writes interleave
// with the (timeout-bounded) blocking reads. It returns ErrDisconnected
// (possibly wrapped) when the device goes away, or nil on cancellation.
func (l *Link) Run(ctx context.Context) error {
	defer close(l.frames)
	defer close(l.done)
	defer l.connected.Store(false)

	buf := make([]byte, l.cfg.ReadBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := l.port.Read(buf)
		switch {
		case err != nil && IsTransient(err):
		case err != nil:
			l.log.Error("serial read failed", "error", err)
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		case n == 0:
			l.log.Warn("serial device disconnected")
			return ErrDisconnected
		default:
			l.bytesRead.Add(int64(n))
			if chunk := l.reasm.Push(buf[:n]); chunk != nil {
				select {
				case l.frames <- chunk:
					l.chunks.Add(1)
				case <-ctx.Done():
					return nil
				}
			}
		}

		l.drainCommands()
	}
}

func (l *Link) drainCommands() {
	for {
		select {
		case cmd := <-l.commands:
			l.execute(cmd)
		default:
			return
		}
	}
}

func (l *Link) execute(cmd Command) {
	l.cmdCount.Add(1)

	var err error
	switch c := cmd.(type) {
	case Connect:
		err = l.write(protocol.EnableResetSequence())
	case WriteBytes:
		err = l.write(c.Payload)
	default:
		err = fmt.Errorf("unknown command %T", cmd)
	}

	if err != nil {
		l.writeErrors.Add(1)
		l.log.Warn("serial write failed", "command", fmt.Sprintf("%T", cmd), "error", err)
	}
	if ch := cmd.result(); ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
}

func (l *Link) write(p []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for len(p) > 0 {
		n, err := l.port.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Close closes the underlying port. A running Run observes the closed port
// as a disconnect.
func (l *Link) Close() error {
	return l.port.Close()
}

// Stats returns a snapshot of link counters.
func (l *Link) Stats() Stats {
	return Stats{
		Path:        l.cfg.Path,
		Connected:   l.connected.Load(),
		BytesRead:   l.bytesRead.Load(),
		Chunks:      l.chunks.Load(),
		Commands:    l.cmdCount.Load(),
		WriteErrors: l.writeErrors.Load(),
	}
}
