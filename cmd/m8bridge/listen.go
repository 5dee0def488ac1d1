package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/zsiec/m8bridge/internal/audio"
	"github.com/zsiec/m8bridge/internal/client"
	"github.com/zsiec/m8bridge/internal/config"
	"github.com/zsiec/m8bridge/internal/protocol"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to a bridge as a headless viewer",
	Long: `listen connects to a running bridge, plays its audio on the default
output device and, with --screen, prints the M8's text screen whenever it
changes. --keys presses a key combination once connected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig((*config.Config).ValidateClient)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetBool("no-audio"); v {
			cfg.Client.Audio = false
		}
		screen, _ := cmd.Flags().GetBool("screen")
		keys, _ := cmd.Flags().GetString("keys")
		return listen(cfg.Client, screen, keys)
	},
}

func init() {
	f := listenCmd.Flags()
	f.String("url", "", "bridge URL (default ws://localhost:3000/ws)")
	f.Bool("no-audio", false, "do not play audio")
	f.Bool("screen", false, "print the text screen when it changes")
	f.String("keys", "", "comma separated keys to press once connected, e.g. shift,up")

	viper.BindPFlag("client.url", f.Lookup("url"))
}

func listen(cfg config.ClientConfig, printScreen bool, keys string) error {
	press, err := client.ParseKeys(keys)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	screen := client.NewScreen()
	ccfg := client.Config{URL: cfg.URL, Renderer: screen}

	if cfg.Audio {
		dec, err := audio.NewDecoder(cfg.Codec)
		if err != nil {
			return err
		}
		player, err := audio.OpenPlayer(dec, cfg.JitterChunks)
		if err != nil {
			return fmt.Errorf("opening audio output: %w", err)
		}
		defer player.Close()
		if err := player.Start(); err != nil {
			return err
		}
		ccfg.Audio = player
	}

	c, err := client.New(ccfg)
	if err != nil {
		return err
	}
	slog.Info("listening", "server", c.URL(), "audio", cfg.Audio)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(ctx)
	})
	if press != 0 {
		g.Go(func() error {
			return pressKeys(ctx, c, press)
		})
	}
	g.Go(func() error {
		return watch(ctx, c, screen, printScreen)
	})
	return g.Wait()
}

// pressKeys holds the combination briefly, then releases all keys.
func pressKeys(ctx context.Context, c *client.Client, press protocol.Keys) error {
	select {
	case <-c.Ready():
	case <-ctx.Done():
		return nil
	}
	if err := c.SendKeys(ctx, press); err != nil {
		return err
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return nil
	}
	return c.SendKeys(ctx, 0)
}

// watch logs stats and, if asked, prints the screen each time it changes.
func watch(ctx context.Context, c *client.Client, screen *client.Screen, show bool) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// Redraw in place on a terminal; append when piped.
	clearSeq := "\n"
	if term.IsTerminal(int(os.Stdout.Fd())) {
		clearSeq = "\033[H\033[2J"
	}

	last := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		st := c.Stats()
		slog.Debug("client stats",
			"connected", st.Connected,
			"messages", st.Messages,
			"ops", st.Ops,
			"audioPackets", st.AudioPackets,
			"audioErrors", st.AudioErrors,
		)
		if !show {
			continue
		}
		if text := screen.Text(); text != last {
			last = text
			fmt.Printf("%s%s\n", clearSeq, text)
		}
	}
}
