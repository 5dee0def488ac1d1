package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/m8bridge/internal/display"
	"github.com/zsiec/m8bridge/internal/protocol"
	"github.com/zsiec/m8bridge/internal/slip"
)

type recordRenderer struct {
	mu  sync.Mutex
	ops []display.Op
}

func (r *recordRenderer) Render(ops []display.Op) {
	r.mu.Lock()
	r.ops = append(r.ops, ops...)
	r.mu.Unlock()
}

func (r *recordRenderer) snapshot() []display.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]display.Op(nil), r.ops...)
}

type recordAudio struct {
	mu      sync.Mutex
	packets [][]byte
	err     error
}

func (a *recordAudio) Push(p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.packets = append(a.packets, append([]byte(nil), p...))
	return a.err
}

func (a *recordAudio) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.packets)
}

// fakeBridge accepts viewers, records what they send, and runs script on
// each connection after the redraw handshake.
type fakeBridge struct {
	t        *testing.T
	ts       *httptest.Server
	upgrader websocket.Upgrader
	inbound  chan []byte
	gaps     chan time.Duration
	script   func(conn *websocket.Conn)
}

func newFakeBridge(t *testing.T, script func(conn *websocket.Conn)) *fakeBridge {
	t.Helper()
	b := &fakeBridge{
		t:       t,
		inbound: make(chan []byte, 64),
		gaps:    make(chan time.Duration, 16),
		script:  script,
	}
	b.ts = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.ts.Close)
	return b
}

func (b *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, first, err := conn.ReadMessage()
	if err != nil {
		return
	}
	start := time.Now()
	_, second, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if !bytes.Equal(first, protocol.DisconnectSequence()) || !bytes.Equal(second, protocol.EnableResetSequence()) {
		b.t.Errorf("handshake: got % X then % X", first, second)
		return
	}
	select {
	case b.gaps <- time.Since(start):
	default:
	}

	if b.script != nil {
		b.script(conn)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case b.inbound <- data:
		default:
		}
	}
}

func (b *fakeBridge) url() string { return b.ts.URL }

func run(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: got %v, want nil", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func serialMessage(frames ...[]byte) []byte {
	var payload []byte
	for _, f := range frames {
		payload = append(payload, slip.Encode(f)...)
	}
	return protocol.NewMessage(protocol.TagSerial, payload).Bytes()
}

func TestRedrawThenDecode(t *testing.T) {
	t.Parallel()

	bridge := newFakeBridge(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, serialMessage(
			[]byte{display.OpRect, 0, 0, 0, 0, 0x40, 0x01, 0xF0, 0x00, 0, 0, 0},
			[]byte{display.OpText, 'M', 8, 0, 16, 0, 255, 255, 255},
		))
		conn.WriteMessage(websocket.BinaryMessage, protocol.NewMessage(protocol.TagAudio, []byte{1, 2, 3}).Bytes())
	})

	r := &recordRenderer{}
	a := &recordAudio{}
	c, err := New(Config{URL: bridge.url(), Renderer: r, Audio: a, RedrawDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(t, c)

	select {
	case gap := <-bridge.gaps:
		// Delivery jitter can shave a little off the client-side pause.
		if gap < 15*time.Millisecond {
			t.Errorf("redraw gap: got %v, want about 20ms", gap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no redraw handshake")
	}

	waitFor(t, "ops and audio", func() bool { return len(r.snapshot()) >= 2 && a.count() == 1 })

	ops := r.snapshot()
	if ops[0] != display.Op(display.ClearBackground{}) {
		t.Errorf("first op: got %#v, want ClearBackground", ops[0])
	}
	if txt, ok := ops[1].(display.DrawText); !ok || txt.Char != 'M' {
		t.Errorf("second op: got %#v, want DrawText M", ops[1])
	}

	st := c.Stats()
	if st.Messages != 2 || st.AudioPackets != 1 || st.Ops != 2 || !st.Connected {
		t.Errorf("stats: got %+v", st)
	}
}

func TestSendKeys(t *testing.T) {
	t.Parallel()

	bridge := newFakeBridge(t, nil)
	c, err := New(Config{URL: bridge.url(), RedrawDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.SendKeys(context.Background(), protocol.KeyUp); !errors.Is(err, ErrNotConnected) {
		t.Errorf("before connect: got %v, want ErrNotConnected", err)
	}

	run(t, c)
	<-c.Ready()

	if err := c.SendKeys(context.Background(), protocol.KeyShift|protocol.KeyUp); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}
	select {
	case got := <-bridge.inbound:
		want := []byte{protocol.CmdKeys, 0x50}
		if !bytes.Equal(got, want) {
			t.Errorf("got % X, want % X", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keys never arrived")
	}
	if c.Stats().KeysSent != 1 {
		t.Errorf("KeysSent: got %d, want 1", c.Stats().KeysSent)
	}
}

func TestReconnectsAfterGoodbye(t *testing.T) {
	t.Parallel()

	bridge := newFakeBridge(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Goodbye")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	c, err := New(Config{
		URL:            bridge.url(),
		RedrawDelay:    time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(t, c)

	waitFor(t, "three connections", func() bool { return c.Stats().Connects >= 3 })
}

func TestAudioErrorsCounted(t *testing.T) {
	t.Parallel()

	bridge := newFakeBridge(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, protocol.NewMessage(protocol.TagAudio, []byte{9}).Bytes())
	})
	a := &recordAudio{err: errors.New("corrupt")}
	c, err := New(Config{URL: bridge.url(), Audio: a, RedrawDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(t, c)

	waitFor(t, "audio error", func() bool { return c.Stats().AudioErrors == 1 })
}

func TestBuildWSURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://localhost:3000/ws", want: "ws://localhost:3000/ws"},
		{in: "http://m8.local:3000", want: "ws://m8.local:3000/ws"},
		{in: "https://m8.example.com/", want: "wss://m8.example.com/ws"},
		{in: "wss://host/custom", want: "wss://host/custom"},
		{in: "ftp://host", wantErr: true},
		{in: "ws://", wantErr: true},
	}
	for _, tt := range tests {
		got, err := buildWSURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: got %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s: got %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestParseKeys(t *testing.T) {
	t.Parallel()

	k, err := ParseKeys("shift, up,,play")
	if err != nil {
		t.Fatalf("ParseKeys: %v", err)
	}
	if k != protocol.KeyShift|protocol.KeyUp|protocol.KeyPlay {
		t.Errorf("got %v", k)
	}
	if _, err := ParseKeys("shift,jump"); err == nil || !strings.Contains(err.Error(), "jump") {
		t.Errorf("unknown key: got %v", err)
	}
}
