package device

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/m8bridge/internal/slip"
)

// fakePort is an in-memory device. Reads are fed from the reads channel;
// closing it makes the next Read report a disconnect.
type fakePort struct {
	reads chan []byte

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	written  chan struct{}
	closed   bool
}

func newFakePort() *fakePort {
	return &fakePort{
		reads:   make(chan []byte, 16),
		written: make(chan struct{}, 64),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case chunk, ok := <-p.reads:
		if !ok {
			return 0, nil
		}
		return copy(b, chunk), nil
	case <-time.After(time.Millisecond):
		return 0, ErrTimeout
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	select {
	case p.written <- struct{}{}:
	default:
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) allWrites() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *fakePort) setWriteErr(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

func newTestLink(t *testing.T, port *fakePort) *Link {
	t.Helper()
	l, err := New(port, Config{Path: "fake", HandshakeDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	start := time.Now()
	l, err := New(port, Config{Path: "fake", HandshakeDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("handshake did not wait between DISCONNECT and ENABLE")
	}

	writes := port.allWrites()
	if len(writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(writes))
	}
	if !bytes.Equal(writes[0], []byte{0x44}) {
		t.Errorf("first write: got %x, want 44", writes[0])
	}
	if !bytes.Equal(writes[1], []byte{0x45, 0x52}) {
		t.Errorf("second write: got %x, want 4552", writes[1])
	}
	if !l.Connected() {
		t.Error("Connected: got false after handshake")
	}
}

func TestHandshakeWriteFailure(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	port.setWriteErr(errors.New("boom"))
	if _, err := New(port, Config{HandshakeDelay: time.Millisecond}); err == nil {
		t.Fatal("New: want error when the handshake write fails")
	}
}

func TestRunReassemblesFrames(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	l := newTestLink(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	port.reads <- []byte{0xFE, 0x01}
	port.reads <- []byte{0x02, slip.End, 0xFD}

	select {
	case chunk := <-l.Frames():
		want := []byte{0xFE, 0x01, 0x02, slip.End}
		if !bytes.Equal(chunk, want) {
			t.Errorf("chunk: got %x, want %x", chunk, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
	}

	if got := l.Stats().BytesRead; got != 5 {
		t.Errorf("BytesRead: got %d, want 5", got)
	}
}

func TestRunZeroReadIsDisconnect(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	l := newTestLink(t, port)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()

	close(port.reads)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("Run: got %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after disconnect")
	}

	if _, ok := <-l.Frames(); ok {
		t.Error("Frames channel still open after disconnect")
	}
	if l.Connected() {
		t.Error("Connected: got true after disconnect")
	}
	if err := l.Send(context.Background(), Connect{}); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Send after disconnect: got %v, want ErrLinkClosed", err)
	}
}

func TestRunCancel(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	l := newTestLink(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: got %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCommandsAreWritten(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	l := newTestLink(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	result := make(chan error, 2)
	if err := l.Send(ctx, Connect{Result: result}); err != nil {
		t.Fatalf("Send Connect: %v", err)
	}
	if err := l.Send(ctx, WriteBytes{Payload: []byte{0x43, 0x08}, Result: result}); err != nil {
		t.Fatalf("Send WriteBytes: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-result:
			if err != nil {
				t.Fatalf("write %d: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for write result")
		}
	}

	writes := port.allWrites()
	if len(writes) != 4 {
		t.Fatalf("got %d writes, want 4 (handshake + 2 commands)", len(writes))
	}
	if !bytes.Equal(writes[2], []byte{0x45, 0x52}) {
		t.Errorf("Connect write: got %x, want 4552", writes[2])
	}
	if !bytes.Equal(writes[3], []byte{0x43, 0x08}) {
		t.Errorf("WriteBytes write: got %x, want 4308", writes[3])
	}
}

// A failed write is reported to the sender and does not stop the link.
func TestWriteFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	l := newTestLink(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	port.setWriteErr(errors.New("write timeout"))
	result := make(chan error, 1)
	if err := l.Send(ctx, WriteBytes{Payload: []byte{0x01}, Result: result}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case err := <-result:
		if err == nil {
			t.Fatal("write result: got nil, want error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write result")
	}

	port.setWriteErr(nil)
	port.reads <- []byte{0x01, slip.End}
	select {
	case <-l.Frames():
	case <-time.After(time.Second):
		t.Fatal("link stopped reading after a write failure")
	}
	if got := l.Stats().WriteErrors; got != 1 {
		t.Errorf("WriteErrors: got %d, want 1", got)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if !IsTransient(ErrTimeout) {
		t.Error("ErrTimeout should be transient")
	}
	if IsTransient(errors.New("io")) {
		t.Error("arbitrary error should not be transient")
	}
}
