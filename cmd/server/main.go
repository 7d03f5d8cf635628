package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tar-bin/atrarium-sub000/internal/atproto"
	"github.com/tar-bin/atrarium-sub000/internal/config"
	"github.com/tar-bin/atrarium-sub000/internal/group"
	"github.com/tar-bin/atrarium-sub000/internal/httpserver"
	"github.com/tar-bin/atrarium-sub000/internal/ingest"
	"github.com/tar-bin/atrarium-sub000/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("opened durable store", "path", cfg.DatabasePath)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// One actor instance per group; all background jobs are bounded by ctx.
	registry := group.NewRegistry(ctx, store, cfg.MaxStreamSubscribers, logger)

	// Start the firehose subscriber in the background
	subscriber := ingest.NewSubscriber(cfg.JetstreamURL, registry, store, logger)
	go func() {
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("firehose subscriber exited with error", "error", err)
		}
	}()

	// Start the HTTP server
	source := atproto.NewClient("")
	server := httpserver.NewServer(cfg, registry, store, source, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
