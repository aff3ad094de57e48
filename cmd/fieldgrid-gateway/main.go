// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Command fieldgrid-gateway runs the FieldGrid telemetry gateway: the
// uplink listener for units and consoles, the management HTTP API,
// and the background history retention sweep.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"

	"github.com/fieldgrid/fieldgrid/gateway"
	"github.com/fieldgrid/fieldgrid/lib/clock"
	"github.com/fieldgrid/fieldgrid/lib/config"
	"github.com/fieldgrid/fieldgrid/lib/trackstore"
	"github.com/fieldgrid/fieldgrid/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fieldgrid-gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to fieldgrid.yaml (default: $FIELDGRID_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("fieldgrid-gateway", version.Info())
		return nil
	}

	logLevel := slog.LevelInfo
	if os.Getenv("FIELDGRID_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	server, err := gateway.New(gateway.Options{
		Credential:       cfg.Auth.Credential,
		Store:            store,
		TokenTTL:         cfg.Auth.TokenTTL.Std(),
		LivenessInterval: cfg.Liveness.Interval.Std(),
		Clock:            clock.Real(),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	// Log a fingerprint, never the credential itself, so operators
	// can confirm which secret a deployment runs with.
	fingerprint := blake3.Sum256([]byte(cfg.Auth.Credential))
	logger.Info("gateway starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"credential_fingerprint", fmt.Sprintf("%x", fingerprint[:8]),
		"store", cfg.Store.Backend,
	)

	uplinkListener, err := net.Listen("tcp", cfg.Listen.Uplink)
	if err != nil {
		return fmt.Errorf("uplink listen on %s: %w", cfg.Listen.Uplink, err)
	}

	uplinkDone := make(chan error, 1)
	go func() { uplinkDone <- server.Serve(ctx, uplinkListener) }()

	httpServer := &http.Server{
		Addr:              cfg.Listen.HTTP,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpDone := make(chan error, 1)
	go func() {
		logger.Info("http listener started", "address", cfg.Listen.HTTP)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		httpDone <- err
	}()

	if cfg.Retention.MaxAge > 0 {
		go runRetention(ctx, cfg, store, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	if err := <-uplinkDone; err != nil {
		return err
	}
	return <-httpDone
}

// openStore builds the configured backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (trackstore.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return nil, err
		}
		return trackstore.OpenSQLite(trackstore.SQLiteConfig{
			Path:     cfg.Store.Path,
			PoolSize: cfg.Store.PoolSize,
			Logger:   logger,
		})
	case "postgres":
		return trackstore.OpenPostgres(ctx, cfg.Store.DSN, logger)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// runRetention archives and prunes old history points on the
// configured cadence.
func runRetention(ctx context.Context, cfg *config.Config, store trackstore.Store, logger *slog.Logger) {
	sqliteStore, ok := store.(*trackstore.SQLiteStore)
	if !ok {
		logger.Warn("history retention is only implemented for the sqlite backend")
		return
	}

	archive, err := trackstore.NewArchive(cfg.Retention.ArchiveDir)
	if err != nil {
		logger.Error("opening archive directory", "error", err)
		return
	}

	ticker := time.NewTicker(cfg.Retention.Sweep.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.Retention.MaxAge.Std())
			removed, err := sqliteStore.RunRetention(ctx, cutoff, archive)
			if err != nil {
				logger.Error("retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("retention sweep archived history", "points", removed, "cutoff", cutoff)
			}
		}
	}
}
