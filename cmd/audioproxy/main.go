// ABOUTME: Main entry point for the audio extraction proxy
// ABOUTME: Loads config, wires the pipeline manager, runs HTTP server
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/harper/audio-extract-proxy/internal/application/config"
	"github.com/harper/audio-extract-proxy/internal/application/manager"
	"github.com/harper/audio-extract-proxy/internal/infrastructure/http"
	"github.com/harper/audio-extract-proxy/internal/infrastructure/logging"
	"github.com/harper/audio-extract-proxy/internal/infrastructure/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	// Metrics stay nil when disabled; the registry methods are nil-safe
	var (
		promReg *prometheus.Registry
		reg     *metrics.Registry
	)
	if cfg.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = metrics.NewRegistry(promReg)
	}

	mgr, err := manager.NewFromConfig(cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	// Setup HTTP routes
	opts := http.HandlerOptions{
		PropagateUpstreamStatus: cfg.Response.PropagateUpstreamStatus,
		Logger:                  logger,
	}

	mux := nethttp.NewServeMux()
	mux.Handle("/audio/extract", http.NewExtractHandler(mgr, opts))
	mux.Handle("/download", http.NewDownloadHandler(mgr, opts))
	mux.Handle("/pipelines", http.NewPipelinesHandler(mgr))
	mux.Handle("/healthz", http.NewHealthzHandler(mgr))
	if promReg != nil {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	addr := cfg.Addr()
	srv := &nethttp.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // Streaming
		IdleTimeout:       60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	// Graceful shutdown
	shutdown := make(chan error, 1)
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info().Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Streams never finish on their own, so tear pipelines down first
		mgrErr := mgr.Shutdown(ctx)
		shutdown <- errors.Join(mgrErr, srv.Shutdown(ctx))
	}()

	logStartup(logger, addr, cfg, mgr)
	if err := srv.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}

	if err := <-shutdown; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func logStartup(logger zerolog.Logger, addr string, cfg *config.Config, mgr *manager.Manager) {
	ev := logger.Info().
		Str("addr", addr).
		Str("ffmpeg_path", cfg.Transcode.FFmpegPath).
		Bool("ffmpeg_available", mgr.Available())
	if cfg.Metrics.Enabled {
		ev = ev.Str("metrics_path", cfg.Metrics.Path)
	}
	ev.Msgf("listening on http://%s (try /audio/extract?video=<url>)", addr)
}
