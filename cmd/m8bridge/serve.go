package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/m8bridge/internal/audio"
	"github.com/zsiec/m8bridge/internal/bridge"
	"github.com/zsiec/m8bridge/internal/certs"
	"github.com/zsiec/m8bridge/internal/config"
	"github.com/zsiec/m8bridge/internal/device"
	"github.com/zsiec/m8bridge/internal/hub"
	"github.com/zsiec/m8bridge/internal/pipeline"
	"github.com/zsiec/m8bridge/internal/protocol"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bridge an attached M8 to WebSocket viewers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(func(c *config.Config) []error {
			if c.Serial.Path == "" {
				return []error{errors.New("serial path is required (--path or serial.path)")}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Listen = fmt.Sprintf(":%d", servePort)
		}
		return serve(cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringP("path", "P", "", "serial port of the M8 (see 'm8bridge ports')")
	f.IntVarP(&servePort, "port", "p", 3000, "HTTP listen port")
	f.String("h3", "", "HTTP/3 listen address for status and assets (empty disables)")
	f.Bool("no-audio", false, "do not capture audio")

	viper.BindPFlag("serial.path", f.Lookup("path"))
	viper.BindPFlag("h3_listen", f.Lookup("h3"))
}

func serve(cfg *config.Config) error {
	if v, _ := serveCmd.Flags().GetBool("no-audio"); v {
		cfg.Audio.Enabled = false
	}

	ctx, cancel := signalContext()
	defer cancel()

	link, err := device.Open(device.Config{
		Path:        cfg.Serial.Path,
		Baud:        cfg.Serial.Baud,
		ReadTimeout: cfg.Serial.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening M8: %w", err)
	}
	defer link.Close()

	h := hub.New(cfg.Hub.Capacity)

	var (
		capture  *audio.Capture
		packets  <-chan protocol.Message
		codec    string
		audioFor bridge.StatsFunc
	)
	if cfg.Audio.Enabled {
		capture, err = openCapture(cfg.Audio)
		if err != nil {
			return err
		}
		defer capture.Close()
		if err := capture.Start(); err != nil {
			return err
		}
		packets = capture.Packets()
		codec = cfg.Audio.Codec
		audioFor = func() any { return capture.Stats() }
	}

	p := pipeline.New(link.Frames(), packets, h)

	var cert *certs.CertInfo
	if cfg.H3Listen != "" {
		if cert, err = loadCert(cfg.TLS); err != nil {
			return err
		}
	}

	srv, err := bridge.NewServer(bridge.ServerConfig{
		Addr:          cfg.Listen,
		H3Addr:        cfg.H3Listen,
		WebDir:        cfg.WebDir,
		Cert:          cert,
		Version:       version,
		AudioCodec:    codec,
		PipelineStats: func() any { return p.Stats() },
		AudioStats:    audioFor,
	}, h, link)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	slog.Info("m8bridge starting",
		"version", version,
		"serial", cfg.Serial.Path,
		"listen", cfg.Listen,
		"h3", cfg.H3Listen,
		"audio", cfg.Audio.Enabled,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := link.Run(ctx)
		if errors.Is(err, device.ErrDisconnected) {
			// Viewers get their Goodbye from the pipeline; the server stays
			// up so status remains reachable.
			slog.Warn("M8 disconnected, restart to reconnect", "error", err)
			return nil
		}
		return err
	})
	g.Go(func() error {
		return p.Run(ctx)
	})
	g.Go(func() error {
		return srv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		return err
	}
	return nil
}

// openCapture logs every input device and opens the configured one.
func openCapture(cfg config.AudioConfig) (*audio.Capture, error) {
	devices, err := audio.ListCaptureDevices()
	if err != nil {
		return nil, fmt.Errorf("listing audio devices: %w", err)
	}
	for _, d := range devices {
		slog.Info("audio input device", "name", d.Name, "default", d.IsDefault)
	}

	enc, err := audio.NewEncoder(cfg.Codec, cfg.Bitrate)
	if err != nil {
		return nil, err
	}
	capture, err := audio.OpenCapture(cfg.Device, enc)
	if err != nil {
		return nil, fmt.Errorf("opening audio device %q: %w", cfg.Device, err)
	}
	slog.Info("audio capture opened", "device", cfg.Device, "format", capture.Format(), "codec", enc.Codec())
	return capture, nil
}

func loadCert(cfg config.TLSConfig) (*certs.CertInfo, error) {
	if cfg.Cert != "" {
		cert, err := certs.Load(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, err
		}
		slog.Info("certificate loaded", "file", cfg.Cert, "expires", cert.NotAfter.Format(time.RFC3339))
		return cert, nil
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(0, cfg.Hosts...)
	if err != nil {
		return nil, fmt.Errorf("generating certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}
