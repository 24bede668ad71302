package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit reasons recorded by RecordExit
const (
	ExitStopped = "stopped"
	ExitCrashed = "crashed"
)

// Probe results recorded by RecordProbe
const (
	ProbeOK        = "ok"
	ProbeBadStatus = "bad_status"
	ProbeError     = "error"
)

// Metrics holds the launcher's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	backendUp       prometheus.Gauge
	starts          *prometheus.CounterVec
	exits           *prometheus.CounterVec
	forcedKills     prometheus.Counter
	probes          *prometheus.CounterVec
	restarts        *prometheus.CounterVec
	startupDuration prometheus.Histogram
	bridgeRequests  *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()
	m.registerMetrics()
	return m
}

func (m *Metrics) initMetrics() {
	m.backendUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "translator_backend_up",
		Help: "Whether the backend process is currently running",
	})

	m.starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translator_backend_starts_total",
			Help: "Backend start attempts",
		},
		[]string{"mode", "result"},
	)

	m.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translator_backend_exits_total",
			Help: "Backend exits by reason",
		},
		[]string{"reason"},
	)

	m.forcedKills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "translator_backend_forced_kills_total",
		Help: "Stops that had to escalate to a forced kill",
	})

	m.probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translator_readiness_probes_total",
			Help: "Health probe requests by result",
		},
		[]string{"result"},
	)

	m.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translator_backend_restarts_total",
			Help: "Backend restarts by trigger",
		},
		[]string{"reason"},
	)

	m.startupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "translator_startup_duration_seconds",
		Help:    "Time from spawn until the UI is loaded",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	m.bridgeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translator_bridge_requests_total",
			Help: "UI bridge requests",
		},
		[]string{"method", "path", "status"},
	)
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.backendUp,
		m.starts,
		m.exits,
		m.forcedKills,
		m.probes,
		m.restarts,
		m.startupDuration,
		m.bridgeRequests,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordStart records a spawn attempt; result is "ok" or "error"
func (m *Metrics) RecordStart(mode, result string) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(mode, result).Inc()
	if result == "ok" {
		m.backendUp.Set(1)
	}
}

// RecordExit records a backend exit
func (m *Metrics) RecordExit(reason string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(reason).Inc()
	m.backendUp.Set(0)
}

// RecordForcedKill records an escalation to a forced kill
func (m *Metrics) RecordForcedKill() {
	if m == nil {
		return
	}
	m.forcedKills.Inc()
}

// RecordProbe records a single health request
func (m *Metrics) RecordProbe(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// RecordRestart records a restart and what triggered it
func (m *Metrics) RecordRestart(reason string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(reason).Inc()
}

// ObserveStartup records how long a launch took to reach a loaded UI
func (m *Metrics) ObserveStartup(d time.Duration) {
	if m == nil {
		return
	}
	m.startupDuration.Observe(d.Seconds())
}

// HTTPMiddleware returns middleware that counts bridge requests
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)
			m.bridgeRequests.WithLabelValues(r.Method, r.URL.Path, http.StatusText(ww.statusCode)).Inc()
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
