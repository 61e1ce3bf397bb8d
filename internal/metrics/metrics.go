// Package metrics exposes Prometheus counters/gauges for the tunneling
// engine's session/frame/listener vocabulary.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/oblique-tunnel/oblique/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors.
var (
	SessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oblique_sessions_opened_total",
		Help: "Total sessions opened, labeled by role (server|client).",
	}, []string{"role"})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oblique_sessions_closed_total",
		Help: "Total sessions closed, labeled by role and reason (peer_closure|dead_frame).",
	}, []string{"role", "reason"})
	BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oblique_bytes_relayed_total",
		Help: "Total bytes relayed, labeled by direction (user_to_target|target_to_user).",
	}, []string{"direction"})
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oblique_active_sessions",
		Help: "Current live sessions, labeled by role.",
	}, []string{"role"})
	ActiveListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oblique_active_public_listeners",
		Help: "Current number of bound public TCP listeners.",
	})
	ControlConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oblique_control_connects_total",
		Help: "Total control-channel connections accepted (server) or established (client).",
	})
	ControlDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oblique_control_disconnects_total",
		Help: "Total control-channel disconnections (transport loss).",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oblique_malformed_frames_total",
		Help: "Total frames rejected as malformed (bad magic, unknown command, undersized INIT).",
	})
	InvalidSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oblique_invalid_frames_sent_total",
		Help: "Total INVALID frames sent in response to protocol violations.",
	})
	EarlyDataRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oblique_early_data_retries_total",
		Help: "Total early-data delivery retries scheduled while a Repeater dial was still in flight.",
	})
	EarlyDataExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oblique_early_data_exhausted_total",
		Help: "Total sessions whose early-data retry budget ran out before a Repeater registered.",
	})
	DialFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oblique_dial_failures_total",
		Help: "Total Client-side dials to the forwarding target that failed.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oblique_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe
// at /ready on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process logging without scraping.
var (
	localSessionsOpened atomic.Uint64
	localSessionsClosed atomic.Uint64
	localBytesRelayed   atomic.Uint64
	localMalformed      atomic.Uint64
)

// Snapshot is a cheap copy of local counters, used by the periodic
// metrics logger goroutines in cmd/oblique-server and cmd/oblique-client.
type Snapshot struct {
	SessionsOpened uint64
	SessionsClosed uint64
	BytesRelayed   uint64
	Malformed      uint64
}

func Snap() Snapshot {
	return Snapshot{
		SessionsOpened: localSessionsOpened.Load(),
		SessionsClosed: localSessionsClosed.Load(),
		BytesRelayed:   localBytesRelayed.Load(),
		Malformed:      localMalformed.Load(),
	}
}

func IncSessionOpened(role string) {
	SessionsOpened.WithLabelValues(role).Inc()
	localSessionsOpened.Add(1)
}

func IncSessionClosed(role, reason string) {
	SessionsClosed.WithLabelValues(role, reason).Inc()
	localSessionsClosed.Add(1)
}

func AddBytesRelayed(direction string, n int) {
	if n <= 0 {
		return
	}
	BytesRelayed.WithLabelValues(direction).Add(float64(n))
	localBytesRelayed.Add(uint64(n))
}

func SetActiveSessions(role string, n int) {
	ActiveSessions.WithLabelValues(role).Set(float64(n))
}

func SetActiveListeners(n int) {
	ActiveListeners.Set(float64(n))
}

func IncControlConnect()    { ControlConnects.Inc() }
func IncControlDisconnect() { ControlDisconnects.Inc() }

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

func IncInvalidSent()        { InvalidSent.Inc() }
func IncEarlyDataRetry()     { EarlyDataRetries.Inc() }
func IncEarlyDataExhausted() { EarlyDataExhausted.Inc() }
func IncDialFailure()        { DialFailures.Inc() }

// InitBuildInfo sets the build info gauge; called once at startup.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
