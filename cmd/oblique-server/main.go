package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oblique-tunnel/oblique/internal/metrics"
	"github.com/oblique-tunnel/oblique/internal/tunserver"
)

// version, commit and date are overridden at build time via
// -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("oblique-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startMetricsLogger(ctx, cfg.logMetricsEvery, l)

	srv := tunserver.NewServer(tunserver.Options{
		ListenAddr: cfg.listenAddr,
		Announce:   cfg.mdnsEnable,
		Logger:     l,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	var metricsHTTP interface{ Shutdown(context.Context) error }
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsHTTP = metrics.StartHTTP(cfg.metricsAddr)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case err := <-serveErr:
		if err != nil {
			l.Error("control_listener_error", "error", err)
		}
	}
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("shutdown_incomplete", "error", err)
	}
	if metricsHTTP != nil {
		_ = metricsHTTP.Shutdown(context.Background())
	}
}
