package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

type appConfig struct {
	serverAddr      string
	targetAddr      string
	dialTimeout     time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	reconnectMin    time.Duration
	reconnectMax    time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	server := flag.String("server", "", "Oblique server control address, e.g. tunnel.example.com:7000")
	target := flag.String("target", "", "Local forwarding target, e.g. 127.0.0.1:3389")
	dialTimeout := flag.Duration("dial-timeout", 10*time.Second, "Timeout for dialing the forwarding target")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	reconnectMin := flag.Duration("reconnect-min", 1*time.Second, "Initial delay before reconnecting to the server")
	reconnectMax := flag.Duration("reconnect-max", 30*time.Second, "Maximum reconnect backoff delay")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.serverAddr = *server
	cfg.targetAddr = *target
	cfg.dialTimeout = *dialTimeout
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.reconnectMin = *reconnectMin
	cfg.reconnectMax = *reconnectMax

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.serverAddr == "" {
		return errors.New("-server is required")
	}
	if c.targetAddr == "" {
		return errors.New("-target is required")
	}
	if c.dialTimeout <= 0 {
		return errors.New("dial-timeout must be > 0")
	}
	if c.reconnectMin <= 0 || c.reconnectMax <= 0 || c.reconnectMin > c.reconnectMax {
		return errors.New("reconnect-min must be > 0 and <= reconnect-max")
	}
	return nil
}

// applyEnvOverrides maps OBLIQUE_CLIENT_* environment variables onto
// cfg, unless the corresponding flag was explicitly set (flags win).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["server"]; !ok {
		if v, ok := get("OBLIQUE_CLIENT_SERVER"); ok && v != "" {
			c.serverAddr = v
		}
	}
	if _, ok := set["target"]; !ok {
		if v, ok := get("OBLIQUE_CLIENT_TARGET"); ok && v != "" {
			c.targetAddr = v
		}
	}
	if _, ok := set["dial-timeout"]; !ok {
		if v, ok := get("OBLIQUE_CLIENT_DIAL_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.dialTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBLIQUE_CLIENT_DIAL_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("OBLIQUE_CLIENT_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("OBLIQUE_CLIENT_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("OBLIQUE_CLIENT_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("OBLIQUE_CLIENT_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBLIQUE_CLIENT_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["reconnect-min"]; !ok {
		if v, ok := get("OBLIQUE_CLIENT_RECONNECT_MIN"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.reconnectMin = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBLIQUE_CLIENT_RECONNECT_MIN: %w", err)
			}
		}
	}
	if _, ok := set["reconnect-max"]; !ok {
		if v, ok := get("OBLIQUE_CLIENT_RECONNECT_MAX"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.reconnectMax = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OBLIQUE_CLIENT_RECONNECT_MAX: %w", err)
			}
		}
	}
	return firstErr
}
