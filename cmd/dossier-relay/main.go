// Package main provides the dossier-relay binary entry point.
// The relay terminates participant WebSocket connections and fans collaboration
// frames out to every participant of a dossier.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/c360studio/dossiersync/config"
	"github.com/c360studio/dossiersync/relay"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dossier-relay"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Dossier collaboration relay",
		Long: `Dossier-relay accepts participant WebSocket connections and relays
presence, cursor, edit, activity and filter-preset frames between them.

With relay.redis_addr set, several relay instances share one Redis for
fan-out and the dossier viewer registry.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, addr, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides relay.addr)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(ctx context.Context, configPath, addr, logLevel string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Relay.Addr = addr
	}

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus, viewers, err := newBackend(ctx, cfg.Relay, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := relay.NewServer(bus, viewers,
		relay.WithLogger(logger),
		relay.WithRateLimit(rate.Limit(cfg.Relay.RateLimit), cfg.Relay.Burst),
		relay.WithMetrics(relay.NewMetrics(registry), registry))

	httpServer := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Dossier relay listening", "addr", cfg.Relay.Addr, "version", Version, "redis", cfg.Relay.RedisAddr != "")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Block until shutdown signal or server failure
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	_ = srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error stopping relay", "error", err)
	}

	slog.Info("Dossier relay shutdown complete")
	return nil
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if path == "" {
		return config.NewLoader(logger).Load()
	}
	return config.LoadFromFile(path)
}

// newBackend selects in-process or Redis-backed fan-out and viewer registry.
func newBackend(ctx context.Context, cfg config.RelayConfig, logger *slog.Logger) (relay.Bus, relay.ViewerRegistry, error) {
	if cfg.RedisAddr == "" {
		return relay.NewLocalBus(), relay.NewMemoryViewers(), nil
	}
	bus, err := relay.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisPrefix, logger)
	if err != nil {
		return nil, nil, err
	}
	return bus, relay.NewRedisViewers(bus.Client(), cfg.RedisPrefix), nil
}
