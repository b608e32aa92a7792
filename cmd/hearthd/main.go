// hearthd — the integration core of a home automation hub.
//
// It hosts integration plugins, manages the typed catalog of things,
// executes asynchronous setup/discovery/pairing/action workflows and
// exposes everything over JSON-RPC plus a WebSocket notification stream.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hearthd/hearthd/internal/plugins/mockplugin"
	"github.com/hearthd/hearthd/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("hearthd starting...")

	var opts []server.Option
	if enabled, _ := strconv.ParseBool(os.Getenv("HEARTHD_MOCK_PLUGIN")); enabled {
		// Development plugin: simulated devices, no hardware required.
		opts = append(opts, server.WithPlugins(mockplugin.New()))
	}

	ctx := context.Background()
	srv, err := server.New(ctx, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // async RPCs park until the plugin finishes
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.ShutdownFunc(shutdownCtx)
	}()

	log.Info().Int("port", srv.Port).Msg("hearthd is up")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
