package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oblique-tunnel/oblique/internal/metrics"
	"github.com/oblique-tunnel/oblique/internal/tunclient"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("oblique-client %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startMetricsLogger(ctx, cfg.logMetricsEvery, l)

	var metricsHTTP interface{ Shutdown(context.Context) error }
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsHTTP = metrics.StartHTTP(cfg.metricsAddr)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	backoff := cfg.reconnectMin
	for {
		if ctx.Err() != nil {
			break
		}
		l.Info("dialing_server", "server", cfg.serverAddr, "target", cfg.targetAddr)
		err := tunclient.Dial(ctx, tunclient.Options{
			ServerAddr:  cfg.serverAddr,
			TargetAddr:  cfg.targetAddr,
			DialTimeout: cfg.dialTimeout,
			Logger:      l,
		})
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			l.Warn("control_connection_lost", "error", err, "retry_in", backoff)
		} else {
			l.Info("control_connection_closed", "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cfg.reconnectMax {
			backoff = cfg.reconnectMax
		}
	}

	if metricsHTTP != nil {
		_ = metricsHTTP.Shutdown(context.Background())
	}
}
