package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zsiec/m8bridge/internal/config"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "m8bridge",
	Short: "Dirtywave M8 serial/WebSocket bridge",
	Long: `m8bridge relays a USB-attached Dirtywave M8's display protocol and audio
to WebSocket viewers, and forwards their key presses back to the device.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("m8bridge %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./m8bridge.yaml or ~/.config/m8bridge/m8bridge.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig loads and validates configuration. Clamped values are logged;
// validate reports problems that should stop the command.
func loadConfig(validate func(*config.Config) []error) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if f := viper.ConfigFileUsed(); f != "" {
		slog.Debug("config loaded", "file", f)
	}
	for _, err := range cfg.Validate() {
		slog.Warn("config", "problem", err)
	}
	if validate != nil {
		if errs := validate(cfg); len(errs) > 0 {
			return nil, fmt.Errorf("invalid config: %w", errs[0])
		}
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
