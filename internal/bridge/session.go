package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/m8bridge/internal/device"
	"github.com/zsiec/m8bridge/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// goodbye is the close reason sent when the device disconnects.
const goodbye = "Goodbye"

var errUnsupportedFrame = errors.New("unsupported websocket frame type")

// session is one viewer connection. run is the only writer to conn apart
// from control frames; readPump is the only reader.
type session struct {
	id   string
	log  *slog.Logger
	conn *websocket.Conn
	sub  *hub.Subscription
	link Link

	inbound   chan []byte
	readErr   chan error
	writeErrs chan error
	done      chan struct{}
}

func newSession(id string, conn *websocket.Conn, sub *hub.Subscription, link Link, log *slog.Logger) *session {
	return &session{
		id:        id,
		log:       log,
		conn:      conn,
		sub:       sub,
		link:      link,
		inbound:   make(chan []byte, 16),
		readErr:   make(chan error, 1),
		writeErrs: make(chan error, 16),
		done:      make(chan struct{}),
	}
}

// run drives the session until the viewer leaves, the hub drops or closes
// the subscription, a device write fails, or ctx is cancelled.
func (s *session) run(ctx context.Context) {
	defer s.conn.Close()
	defer s.sub.Close()
	defer close(s.done)

	s.log.Info("viewer connected")
	defer s.log.Info("viewer disconnected")

	go s.readPump()

	// Ask the device to redraw everything for this viewer.
	if err := s.link.Send(ctx, device.Connect{Result: s.writeErrs}); err != nil {
		s.log.Warn("requesting redraw failed", "error", err)
		s.closeFor(err)
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		// A lagged subscriber must not see messages past the gap.
		if err := s.sub.Err(); errors.Is(err, hub.ErrLagged) {
			s.closeFor(err)
			return
		}

		select {
		case m := <-s.sub.C():
			if err := s.write(websocket.BinaryMessage, m.Bytes()); err != nil {
				s.log.Debug("write failed", "error", err)
				return
			}

		case <-s.sub.Lagged():
			s.closeFor(hub.ErrLagged)
			return

		case <-s.sub.Done():
			s.flush()
			s.closeFor(hub.ErrClosed)
			return

		case data, ok := <-s.inbound:
			if !ok {
				if err := <-s.readErr; errors.Is(err, errUnsupportedFrame) {
					s.closeFor(err)
				}
				return
			}
			cmd := device.WriteBytes{Payload: data, Result: s.writeErrs}
			if err := s.link.Send(ctx, cmd); err != nil {
				s.closeFor(err)
				return
			}

		case err := <-s.writeErrs:
			if err != nil {
				s.log.Warn("device write failed", "error", err)
				s.closeFor(err)
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-ctx.Done():
			s.closeFor(ctx.Err())
			return
		}
	}
}

// flush forwards whatever is still queued for this viewer.
func (s *session) flush() {
	for {
		select {
		case m := <-s.sub.C():
			if err := s.write(websocket.BinaryMessage, m.Bytes()); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) write(typ int, data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(typ, data)
}

// closeFor sends the close frame matching why the session ends.
func (s *session) closeFor(err error) {
	switch {
	case errors.Is(err, hub.ErrClosed), errors.Is(err, device.ErrLinkClosed):
		closeConn(s.conn, websocket.CloseNormalClosure, goodbye)
	case errors.Is(err, hub.ErrLagged):
		s.log.Warn("viewer fell behind, disconnecting")
		closeConn(s.conn, websocket.CloseTryAgainLater, "lagged")
	case errors.Is(err, errUnsupportedFrame):
		s.log.Warn("closing viewer", "error", err)
		closeConn(s.conn, websocket.CloseUnsupportedData, "binary frames only")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		closeConn(s.conn, websocket.CloseGoingAway, "server shutting down")
	case err != nil:
		closeConn(s.conn, websocket.CloseInternalServerErr, "device write failed")
	}
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// readPump forwards binary frames from the viewer to run. It exits on the
// first read error or non-binary data frame, recording why in readErr.
func (s *session) readPump() {
	defer close(s.inbound)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("read error", "error", err)
			}
			s.readErr <- err
			return
		}
		if typ != websocket.BinaryMessage {
			s.readErr <- errUnsupportedFrame
			return
		}

		select {
		case s.inbound <- data:
		case <-s.done:
			s.readErr <- nil
			return
		}
	}
}
