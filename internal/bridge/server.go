// Package bridge serves the device to viewers: the /ws WebSocket endpoint
// that relays hub messages out and input bytes back to the device, a JSON
// status endpoint, and optional static assets over HTTP and HTTP/3.
package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/m8bridge/internal/certs"
	"github.com/zsiec/m8bridge/internal/device"
	"github.com/zsiec/m8bridge/internal/hub"
	"github.com/zsiec/m8bridge/internal/viewer"
)

// Link is the subset of device.Link the server uses.
type Link interface {
	Send(ctx context.Context, cmd device.Command) error
	Stats() device.Stats
}

// Hub is the subset of hub.Hub the server uses.
type Hub interface {
	Subscribe() (*hub.Subscription, error)
	Stats() hub.Stats
}

// StatsFunc supplies an extra section of the status document.
type StatsFunc func() any

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Addr       string
	H3Addr     string // empty disables the HTTP/3 listener
	WebDir     string
	Cert       *certs.CertInfo
	Version    string
	AudioCodec string

	// Optional status sections.
	PipelineStats StatsFunc
	AudioStats    StatsFunc
}

// Status is the JSON document served at /api/status.
type Status struct {
	Version    string        `json:"version"`
	UptimeMs   int64         `json:"uptimeMs"`
	AudioCodec string        `json:"audioCodec,omitempty"`
	Device     device.Stats  `json:"device"`
	Hub        hub.Stats     `json:"hub"`
	Viewers    []viewer.Info `json:"viewers"`
	Pipeline   any           `json:"pipeline,omitempty"`
	Audio      any           `json:"audio,omitempty"`
}

// Server is the viewer-facing HTTP server.
type Server struct {
	config    ServerConfig
	hub       Hub
	link      Link
	log       *slog.Logger
	upgrader  websocket.Upgrader
	startTime time.Time

	h3      *http3.Server
	viewers *viewer.Registry
	nextID  atomic.Uint64
}

// NewServer creates a Server relaying between h and link. It returns an
// error if required fields are missing.
func NewServer(config ServerConfig, h Hub, link Link) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("bridge: Addr is required")
	}
	if config.H3Addr != "" && config.Cert == nil {
		return nil, errors.New("bridge: Cert is required for HTTP/3")
	}
	if h == nil || link == nil {
		return nil, errors.New("bridge: hub and link are required")
	}
	s := &Server{
		config: config,
		hub:    h,
		link:   link,
		log:    slog.With("component", "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// SECURITY: CheckOrigin accepts all origins. The bridge is meant
			// for local-network use; put a proxy in front to restrict it.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		startTime: time.Now(),
		viewers:   viewer.NewRegistry(nil),
	}
	if config.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:    config.H3Addr,
			Handler: corsMiddleware(s.apiMux()),
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{config.Cert.TLSCert},
			},
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
	}
	return s, nil
}

func (s *Server) apiMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	if s.config.WebDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.WebDir)))
	}
	return mux
}

// Handler returns the HTTP handler: /ws, the API routes, and static assets.
func (s *Server) Handler() http.Handler {
	mux := s.apiMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.altSvcMiddleware(corsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener to HTTP/1.1 clients.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	if s.h3 == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			s.log.Debug("setting Alt-Svc header", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// Status returns the current status document.
func (s *Server) Status() Status {
	st := Status{
		Version:    s.config.Version,
		UptimeMs:   time.Since(s.startTime).Milliseconds(),
		AudioCodec: s.config.AudioCodec,
		Device:     s.link.Stats(),
		Hub:        s.hub.Stats(),
		Viewers:    s.viewers.List(),
	}
	if s.config.PipelineStats != nil {
		st.Pipeline = s.config.PipelineStats()
	}
	if s.config.AudioStats != nil {
		st.Audio = s.config.AudioStats()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub, err := s.hub.Subscribe()
	if err != nil {
		// The device is gone; tell the viewer the same way existing
		// sessions were told.
		s.log.Info("refusing viewer, device disconnected", "remote", r.RemoteAddr)
		closeConn(conn, websocket.CloseNormalClosure, goodbye)
		return
	}

	id := fmt.Sprintf("ws-%d", s.nextID.Add(1))
	sess := newSession(id, conn, sub, s.link, slog.With("component", "session", "session", id, "remote", r.RemoteAddr))

	s.viewers.Add(id, r.RemoteAddr, sub)
	defer s.viewers.Remove(id)

	sess.run(r.Context())
}

// Start serves HTTP (and HTTP/3 when configured) until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Sessions watch the request context, so cancelling ctx ends them
		// along with the listener.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	if s.h3 != nil {
		go func() {
			s.log.Info("HTTP/3 server listening", "addr", s.config.H3Addr)
			err := s.h3.ListenAndServe()
			if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			if err != nil {
				err = fmt.Errorf("HTTP/3 server: %w", err)
			}
			errCh <- err
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if s.h3 != nil {
		s.h3.Close()
	}
	return err
}
