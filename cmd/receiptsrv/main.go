// Command receiptsrv serves the permission receipt API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tansive/receipts/internal/common/logtrace"
	"github.com/tansive/receipts/internal/receiptsrv/config"
	"github.com/tansive/receipts/internal/receiptsrv/server"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigFile = "/etc/receipts/receiptsrv.conf"
	shutdownGrace     = 5 * time.Second
)

func init() {
	logtrace.InitLogger()
}

type cmdoptions struct {
	configFile string
	checkOnly  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, parseFlags()); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, opt cmdoptions) error {
	log.Info().Str("config_file", opt.configFile).Msg("loading config file")
	if err := config.LoadConfig(opt.configFile); err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	cfg := config.Config()
	logtrace.InitLogger(cfg.LogLevel)

	slog := log.With().Str("state", "init").Str("environment", cfg.Environment).Logger()
	ctx = slog.WithContext(ctx)

	// CreateNewServer runs the signing key startup check and fails on a mismatch
	s, err := server.CreateNewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Error().Err(err).Msg("could not release server resources")
		}
	}()
	if opt.checkOnly {
		slog.Info().Msg("configuration and signing keys are consistent")
		return nil
	}
	s.MountHandlers()

	srv := &http.Server{
		Addr:              cfg.ServerHostName + ":" + cfg.ServerPort,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info().Str("addr", srv.Addr).Str("signing_mode", cfg.Signing.Mode).Msg("server started")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		slog.Info().Msg("shutdown signal received")
		// ctx is already cancelled; drain on a fresh deadline
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error().Err(err).Msg("could not stop server gracefully")
			if err := srv.Close(); err != nil {
				slog.Error().Err(err).Msg("could not stop server")
			}
		}
	}

	slog.Info().Msg("server stopped")
	return nil
}

func parseFlags() cmdoptions {
	var opt cmdoptions
	flag.StringVar(&opt.configFile, "config", DefaultConfigFile, "Path to the config file")
	flag.BoolVar(&opt.checkOnly, "check", false, "Validate the config and signing keys, then exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	return opt
}
