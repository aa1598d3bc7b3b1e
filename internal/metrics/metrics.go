package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	commandsTotal       *prometheus.CounterVec
	commandDuration     *prometheus.HistogramVec
	commandRetries      *prometheus.CounterVec
	sessionsActive      prometheus.Gauge
	sessionsCreated     prometheus.Counter
	sessionsEvicted     *prometheus.CounterVec
	sdkInits            prometheus.Counter
	sdkCleanups         prometheus.Counter
}

// New creates a fresh Metrics registry with HTTP, command and session
// metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camerad",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by camerad",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "camerad",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by camerad",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	commandsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camerad",
		Name:      "commands_total",
		Help:      "Device commands dispatched, by kind and outcome",
	}, []string{"kind", "outcome"})

	commandDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "camerad",
		Name:      "command_duration_seconds",
		Help:      "Duration of device commands including retries and queueing",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})

	commandRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camerad",
		Name:      "command_retries_total",
		Help:      "Retries performed for transient device failures",
	}, []string{"kind"})

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "camerad",
		Name:      "sessions_active",
		Help:      "Device sessions currently registered",
	})

	sessionsCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "camerad",
		Name:      "sessions_created_total",
		Help:      "Device sessions created since start",
	})

	sessionsEvicted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camerad",
		Name:      "sessions_evicted_total",
		Help:      "Device sessions evicted, by reason",
	}, []string{"reason"})

	sdkInits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "camerad",
		Name:      "sdk_init_total",
		Help:      "Vendor SDK global initializations (0->1 guard transitions)",
	})

	sdkCleanups := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "camerad",
		Name:      "sdk_cleanup_total",
		Help:      "Vendor SDK global cleanups (1->0 guard transitions)",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		commandsTotal,
		commandDuration,
		commandRetries,
		sessionsActive,
		sessionsCreated,
		sessionsEvicted,
		sdkInits,
		sdkCleanups,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		commandsTotal:       commandsTotal,
		commandDuration:     commandDuration,
		commandRetries:      commandRetries,
		sessionsActive:      sessionsActive,
		sessionsCreated:     sessionsCreated,
		sessionsEvicted:     sessionsEvicted,
		sdkInits:            sdkInits,
		sdkCleanups:         sdkCleanups,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveCommand records one dispatched command.
func (m *Metrics) ObserveCommand(kind, outcome string, retries int, duration time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
	m.commandDuration.With(prometheus.Labels{"kind": kind}).Observe(duration.Seconds())
	if retries > 0 {
		m.commandRetries.With(prometheus.Labels{"kind": kind}).Add(float64(retries))
	}
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// IncSessionCreated increments the session creation counter.
func (m *Metrics) IncSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// IncSessionEvicted increments the eviction counter for a reason.
func (m *Metrics) IncSessionEvicted(reason string) {
	if m == nil {
		return
	}
	m.sessionsEvicted.With(prometheus.Labels{"reason": reason}).Inc()
}

// IncSDKInit counts a vendor library initialization.
func (m *Metrics) IncSDKInit() {
	if m == nil {
		return
	}
	m.sdkInits.Inc()
}

// IncSDKCleanup counts a vendor library cleanup.
func (m *Metrics) IncSDKCleanup() {
	if m == nil {
		return
	}
	m.sdkCleanups.Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
