// Package client is the viewer side of the bridge: it connects to a
// bridge's /ws endpoint, asks the device for a full redraw, decodes display
// data into drawing operations, hands audio packets to a player, and sends
// key presses back. It reconnects with jittered exponential backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/m8bridge/internal/display"
	"github.com/zsiec/m8bridge/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3

	// DefaultRedrawDelay separates DISCONNECT from ENABLE+RESET.
	DefaultRedrawDelay = 50 * time.Millisecond
)

// ErrNotConnected is returned by Send when no connection is up.
var ErrNotConnected = errors.New("client: not connected")

// Renderer receives the drawing operations decoded from one message.
type Renderer interface {
	Render(ops []display.Op)
}

// AudioSink receives encoded audio packets.
type AudioSink interface {
	Push(packet []byte) error
}

// Config holds client configuration.
type Config struct {
	URL      string
	Display  display.Config
	Renderer Renderer  // nil discards drawing operations
	Audio    AudioSink // nil discards audio

	RedrawDelay    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Stats counts client activity.
type Stats struct {
	Connected    bool          `json:"connected"`
	Connects     int64         `json:"connects"`
	Messages     int64         `json:"messages"`
	Ops          int64         `json:"ops"`
	AudioPackets int64         `json:"audioPackets"`
	AudioErrors  int64         `json:"audioErrors"`
	KeysSent     int64         `json:"keysSent"`
	Display      display.Stats `json:"display"`
}

// Client is a reconnecting viewer connection.
type Client struct {
	cfg   Config
	url   string
	log   *slog.Logger
	send  chan []byte
	ready chan struct{} // closed by the first successful connect

	decMu sync.Mutex
	dec   *display.Decoder

	readyOnce    sync.Once
	connected    atomic.Bool
	connects     atomic.Int64
	messages     atomic.Int64
	ops          atomic.Int64
	audioPackets atomic.Int64
	audioErrors  atomic.Int64
	keysSent     atomic.Int64
}

// New validates the server URL and returns an unstarted client.
func New(cfg Config) (*Client, error) {
	wsURL, err := buildWSURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("client url: %w", err)
	}
	if cfg.RedrawDelay <= 0 {
		cfg.RedrawDelay = DefaultRedrawDelay
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = initialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = maxBackoff
	}
	return &Client{
		cfg:   cfg,
		url:   wsURL,
		log:   slog.With("component", "client", "server", wsURL),
		send:  make(chan []byte, 64),
		ready: make(chan struct{}),
		dec:   display.NewDecoder(cfg.Display),
	}, nil
}

// buildWSURL accepts ws(s) and http(s) URLs and defaults the path to /ws.
func buildWSURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// URL returns the WebSocket URL the client dials.
func (c *Client) URL() string { return c.url }

// Ready is closed once the first connection is established.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Send queues raw bytes for the device.
func (c *Client) Send(ctx context.Context, b []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case c.send <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendKeys sends the held-key bitmask to the device.
func (c *Client) SendKeys(ctx context.Context, keys protocol.Keys) error {
	if err := c.Send(ctx, keys.Encode()); err != nil {
		return err
	}
	c.keysSent.Add(1)
	return nil
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	c.decMu.Lock()
	ds := c.dec.Stats()
	c.decMu.Unlock()
	return Stats{
		Connected:    c.connected.Load(),
		Connects:     c.connects.Load(),
		Messages:     c.messages.Load(),
		Ops:          c.ops.Load(),
		AudioPackets: c.audioPackets.Load(),
		AudioErrors:  c.audioErrors.Load(),
		KeysSent:     c.keysSent.Load(),
		Display:      ds,
	}
}

// Run connects and reconnects until ctx is cancelled, then returns nil.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.InitialBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.cfg.InitialBackoff
			err = c.session(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			c.logSessionEnd(err)
		} else {
			c.log.Warn("connection failed", "error", err)
		}

		jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		c.log.Info("retrying", "delay", sleep)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	c.connects.Add(1)
	c.log.Info("connected")
	return conn, nil
}

func (c *Client) logSessionEnd(err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure:
		c.log.Info("server closed connection", "reason", ce.Text)
	case errors.As(err, &ce) && ce.Code == websocket.CloseTryAgainLater:
		c.log.Warn("dropped for falling behind", "reason", ce.Text)
	default:
		c.log.Warn("connection lost", "error", err)
	}
}

// session runs one connection until either pump fails or ctx ends.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	c.connected.Store(true)
	c.readyOnce.Do(func() { close(c.ready) })
	defer c.connected.Store(false)

	g.Go(func() error { return c.readPump(conn) })
	g.Go(func() error { return c.writePump(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})

	err := g.Wait()
	c.drainSend()
	return err
}

// drainSend discards input queued for a connection that is gone.
func (c *Client) drainSend() {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// readPump decodes server messages. It always returns a non-nil error.
func (c *Client) readPump(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	m, err := protocol.Parse(data)
	if err != nil {
		return
	}
	c.messages.Add(1)

	c.decMu.Lock()
	res, err := c.dec.Decode(m)
	c.decMu.Unlock()
	if err != nil {
		c.log.Debug("ignoring message", "tag", m.Tag(), "error", err)
		return
	}

	if len(res.Ops) > 0 {
		c.ops.Add(int64(len(res.Ops)))
		if c.cfg.Renderer != nil {
			c.cfg.Renderer.Render(res.Ops)
		}
	}
	if res.Audio != nil {
		c.audioPackets.Add(1)
		if c.cfg.Audio != nil {
			if err := c.cfg.Audio.Push(res.Audio); err != nil {
				c.audioErrors.Add(1)
				c.log.Debug("audio packet rejected", "error", err)
			}
		}
	}
}

// writePump is the only writer. It opens with the redraw handshake, then
// forwards queued input and keeps the connection alive.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) error {
	if err := c.write(conn, protocol.DisconnectSequence()); err != nil {
		return err
	}
	select {
	case <-time.After(c.cfg.RedrawDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.write(conn, protocol.EnableResetSequence()); err != nil {
		return err
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return ctx.Err()

		case b := <-c.send:
			if err := c.write(conn, b); err != nil {
				c.log.Warn("write error", "error", err)
				return err
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, b []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

// ParseKeys turns a comma separated list such as "shift,up" into a mask.
func ParseKeys(s string) (protocol.Keys, error) {
	var keys protocol.Keys
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		k, ok := protocol.KeyByName(name)
		if !ok {
			return 0, fmt.Errorf("unknown key %q", name)
		}
		keys |= k
	}
	return keys, nil
}
