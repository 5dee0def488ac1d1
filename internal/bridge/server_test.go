package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/m8bridge/internal/device"
	"github.com/zsiec/m8bridge/internal/display"
	"github.com/zsiec/m8bridge/internal/hub"
	"github.com/zsiec/m8bridge/internal/pipeline"
	"github.com/zsiec/m8bridge/internal/protocol"
	"github.com/zsiec/m8bridge/internal/slip"
)

// fullScreenRect is what the M8 sends first after a reset: a black
// rectangle over the whole screen.
var fullScreenRect = slip.Encode([]byte{display.OpRect, 0, 0, 0, 0, 0x40, 0x01, 0xF0, 0x00, 0, 0, 0})

// mockDevice answers ENABLE+RESET with a full-screen clear, like an M8.
type mockDevice struct {
	reads chan []byte

	mu        sync.Mutex
	writes    [][]byte
	failWrite bool
	unplugged bool
}

func newMockDevice() *mockDevice {
	return &mockDevice{reads: make(chan []byte, 64)}
}

func (d *mockDevice) Read(b []byte) (int, error) {
	select {
	case chunk, ok := <-d.reads:
		if !ok {
			return 0, nil
		}
		return copy(b, chunk), nil
	case <-time.After(time.Millisecond):
		return 0, device.ErrTimeout
	}
}

func (d *mockDevice) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWrite {
		return 0, errors.New("write timeout")
	}
	d.writes = append(d.writes, append([]byte(nil), b...))
	if !d.unplugged && bytes.Equal(b, protocol.EnableResetSequence()) {
		select {
		case d.reads <- fullScreenRect:
		default:
		}
	}
	return len(b), nil
}

func (d *mockDevice) Close() error { return nil }

func (d *mockDevice) unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.unplugged {
		d.unplugged = true
		close(d.reads)
	}
}

func (d *mockDevice) setFailWrite(v bool) {
	d.mu.Lock()
	d.failWrite = v
	d.mu.Unlock()
}

func (d *mockDevice) wrote(p []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.writes {
		if bytes.Equal(w, p) {
			return true
		}
	}
	return false
}

type harness struct {
	dev  *mockDevice
	link *device.Link
	hub  *hub.Hub
	srv  *Server
	ts   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dev := newMockDevice()
	link, err := device.New(dev, device.Config{Path: "mock", HandshakeDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	h := hub.New(hub.DefaultCapacity)
	p := pipeline.New(link.Frames(), nil, h)

	ctx, cancel := context.WithCancel(context.Background())
	go link.Run(ctx)
	go p.Run(ctx)

	srv, err := NewServer(ServerConfig{Addr: ":0", Version: "test", AudioCodec: "opus"}, h, link)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		dev.unplug()
		cancel()
		ts.Close()
	})
	return &harness{dev: dev, link: link, hub: h, srv: srv, ts: ts}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) waitSubscribers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.hub.SubscriberCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers: got %d, want %d", h.hub.SubscriberCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// readUntil reads binary messages until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Message) bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if typ != websocket.BinaryMessage {
			t.Fatalf("message type: got %d, want binary", typ)
		}
		m, err := protocol.Parse(data)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if match(m) {
			return
		}
	}
}

// readClose reads until the server closes the connection and returns the
// close frame.
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("ReadMessage: got %v, want a close frame", err)
		}
		return ce
	}
}

func TestRedrawYieldsClearBackground(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dial(t)
	h.waitSubscribers(t, 1)

	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.DisconnectSequence()); err != nil {
		t.Fatalf("write disconnect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EnableResetSequence()); err != nil {
		t.Fatalf("write enable: %v", err)
	}

	dec := display.NewDecoder(display.Config{})
	readUntil(t, conn, func(m protocol.Message) bool {
		if m.Tag() != protocol.TagSerial {
			return false
		}
		res, err := dec.Decode(m)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return len(res.Ops) == 1 && res.Ops[0] == display.Op(display.ClearBackground{})
	})

	deadline := time.Now().Add(time.Second)
	for !h.dev.wrote(protocol.DisconnectSequence()) {
		if time.Now().After(deadline) {
			t.Fatal("client bytes never reached the device")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRemainingViewerKeepsReceiving(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.dial(t)
	b := h.dial(t)
	h.waitSubscribers(t, 2)

	a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.Close()
	h.waitSubscribers(t, 1)

	marker := slip.Encode([]byte{display.OpRect, 9, 0, 9, 0, 0})
	for i := 0; i < 3; i++ {
		h.dev.reads <- marker
	}

	seen := 0
	readUntil(t, b, func(m protocol.Message) bool {
		if m.Tag() == protocol.TagSerial && bytes.Equal(m.Payload(), marker) {
			seen++
		}
		return seen == 3
	})
}

func TestDeviceDisconnectSaysGoodbye(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dial(t)
	h.waitSubscribers(t, 1)

	h.dev.unplug()

	ce := readClose(t, conn)
	if ce.Code != websocket.CloseNormalClosure || ce.Text != "Goodbye" {
		t.Errorf("close: got %d %q, want %d %q", ce.Code, ce.Text, websocket.CloseNormalClosure, "Goodbye")
	}

	// Late viewers are turned away the same way.
	late := h.dial(t)
	ce = readClose(t, late)
	if ce.Code != websocket.CloseNormalClosure || ce.Text != "Goodbye" {
		t.Errorf("late close: got %d %q", ce.Code, ce.Text)
	}
}

func TestDeviceWriteFailureClosesOnlyThatViewer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dial(t)
	h.waitSubscribers(t, 1)

	h.dev.setFailWrite(true)
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.KeyPlay.Encode()); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ce := readClose(t, conn)
	if ce.Code != websocket.CloseInternalServerErr {
		t.Errorf("close code: got %d, want %d", ce.Code, websocket.CloseInternalServerErr)
	}
	if !h.link.Connected() {
		t.Error("link stopped after a single failed write")
	}

	h.dev.setFailWrite(false)
	other := h.dial(t)
	h.waitSubscribers(t, 1)
	readUntil(t, other, func(m protocol.Message) bool { return m.Tag() == protocol.TagSerial })
}

func TestTextFrameClosesViewer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dial(t)
	h.waitSubscribers(t, 1)

	conn.WriteMessage(websocket.TextMessage, []byte("hello"))
	ce := readClose(t, conn)
	if ce.Code != websocket.CloseUnsupportedData {
		t.Errorf("close code: got %d, want %d", ce.Code, websocket.CloseUnsupportedData)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.srv.config.PipelineStats = func() any { return map[string]int{"serialChunks": 0} }

	resp, err := http.Get(h.ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Version != "test" || st.AudioCodec != "opus" {
		t.Errorf("got version %q codec %q", st.Version, st.AudioCodec)
	}
	if st.Device.Path != "mock" || !st.Device.Connected {
		t.Errorf("device: got %+v", st.Device)
	}
	if st.Viewers == nil || len(st.Viewers) != 0 {
		t.Errorf("viewers: got %v, want empty list", st.Viewers)
	}
	if st.Pipeline == nil {
		t.Error("pipeline section missing")
	}
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	h := hub.New(1)
	if _, err := NewServer(ServerConfig{}, h, nil); err == nil {
		t.Error("missing Addr: want error")
	}
	if _, err := NewServer(ServerConfig{Addr: ":0", H3Addr: ":0"}, h, &device.Link{}); err == nil {
		t.Error("HTTP/3 without cert: want error")
	}
}
