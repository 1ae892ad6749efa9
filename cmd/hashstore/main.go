// Package main is the entry point for the hashstore HTTP gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/hashstore/internal/config"
	"github.com/bleepstore/hashstore/internal/logging"
	"github.com/bleepstore/hashstore/internal/metrics"
	"github.com/bleepstore/hashstore/internal/server"
	"github.com/bleepstore/hashstore/internal/storage"
)

func main() {
	configPath := flag.String("config", "hashstore.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9010)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	backend := flag.String("backend", "", "override storage backend: file, hybrid, sqlite, memory, aws, gcp, azure")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxBlobSize := flag.Int64("max-blob-size", 0, "maximum request body size in bytes (default: from config, 0 = unlimited)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxBlobSize != 0 {
		cfg.Server.MaxBlobSize = *maxBlobSize
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	// Every startup is recovery: SQLite WAL replays on open, hybrid stores
	// reload their index and the file store sweeps stale temp files.
	store, err := storage.Open(context.Background(), cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s store: %v\n", cfg.Storage.Backend, err)
		os.Exit(1)
	}
	instrumented := storage.Instrument(cfg.Storage.Backend, store)
	slog.Info("Storage backend initialized", "backend", cfg.Storage.Backend)

	srv, err := server.New(cfg, server.WithStore(cfg.Storage.Backend, instrumented))
	if err != nil {
		instrumented.Close()
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("hashstore listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			exitCode = 1
		}
	}

	// Closing the store flushes pending hybrid index writes and memory
	// snapshots.
	if err := instrumented.Close(); err != nil {
		slog.Error("Closing store failed", "error", err)
		exitCode = 1
	}
	slog.Info("Server stopped")
	os.Exit(exitCode)
}
