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

	"github.com/getsentry/sentry-go"

	"github.com/p-arndt/kapsel/internal/api"
	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/docker"
	"github.com/p-arndt/kapsel/internal/executor"
	"github.com/p-arndt/kapsel/internal/reaper"
	"github.com/p-arndt/kapsel/internal/session"
	"github.com/p-arndt/kapsel/internal/store"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	cfgPath := flag.String("config", "", "path to kapsel.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	if cfg.APIKey == "" {
		logger.Warn("no API key configured — running in open access mode")
	}

	if cfg.SentryDSN != "" && cfg.Environment != "local" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			Release:          version,
			TracesSampleRate: cfg.SentryTracesSampleRate,
		})
		if err != nil {
			logger.Error("sentry init", "error", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	dc, err := docker.New(cfg.Runtime)
	if err != nil {
		logger.Error("docker client", "error", err)
		os.Exit(1)
	}
	defer dc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dc.Ping(ctx); err != nil {
		logger.Error("docker ping failed — is Docker running?", "error", err)
		os.Exit(1)
	}
	logger.Info("docker connection OK", "runtime", cfg.Runtime)

	exec := executor.New(dc)
	mgr := session.NewManager(cfg, st, dc, exec, logger)

	rpr := reaper.New(st, dc, mgr, 30*time.Second, logger)
	if err := rpr.Reconcile(ctx); err != nil {
		logger.Error("boot reconciliation", "error", err)
		os.Exit(1)
	}
	go rpr.Run(ctx)

	srv := api.NewServer(cfg, mgr, version, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.MaxExecutionSeconds+30) * time.Second, // runs can hold the response open
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen, "version", version)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
