package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/oblique-tunnel/oblique/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"sessions_opened", snap.SessionsOpened,
					"sessions_closed", snap.SessionsClosed,
					"bytes_relayed", snap.BytesRelayed,
					"malformed_frames", snap.Malformed,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
