// owld is the browser-IPC multiplexer and MJPEG streaming daemon: it
// supervises the headless browser child process, multiplexes JSON-RPC
// commands to it, and relays live viewport frames to HTTP clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/owlbrowser/owld/internal/appctx"
	"github.com/owlbrowser/owld/internal/config"
	"github.com/owlbrowser/owld/internal/httpapi"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:     "owld",
	Short:   "Browser-IPC multiplexer and MJPEG streaming daemon",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./owld.yaml or $HOME/.config/owld/owld.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level)

	cfg, err := config.Load(viper.New(), cfgFile)
	if err != nil {
		return fmt.Errorf("owld: load config: %w", err)
	}

	app := appctx.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTimeout := time.Duration(cfg.Browser.StartTimeoutSec) * time.Second
	if err := app.Supervisor.Start(ctx, cfg.Browser.BinaryPath, startTimeout); err != nil {
		return fmt.Errorf("owld: start browser: %w", err)
	}
	defer app.Supervisor.Stop()

	server := httpapi.New(app)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("owld daemon started")

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
		cancel()
	case err := <-errCh:
		return err
	}

	return nil
}
