// Command linkserver runs the end-to-end encrypted link server: the
// signed-container admission engine over HTTP and the binary websocket
// pub/sub fan-out, backed by MongoDB.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/graffiti-garden/link-service/internal/config"
	"github.com/graffiti-garden/link-service/internal/logging"
	"github.com/graffiti-garden/link-service/internal/server"
)

func main() {
	bootLogger := logging.New("info", false)

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.Debug)
	logger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Str("addr", cfg.Addr).
		Int("max_connections", cfg.MaxConnections).
		Msg("starting link server")

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("received shutdown signal")
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
