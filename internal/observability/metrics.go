package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for RecordOperation.
const (
	ResultOK    = "ok"
	ResultFault = "fault"
	ResultError = "error"
)

var (
	registerOnce sync.Once

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkctl",
			Subsystem: "handshake",
			Name:      "attempts_total",
			Help:      "Handshake attempts by outcome.",
		},
		[]string{"role", "outcome"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkctl",
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Operations exchanged by kind and result.",
		},
		[]string{"role", "kind", "result"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "linkctl",
			Subsystem: "session",
			Name:      "exchange_duration_seconds",
			Help:      "Time from sending an operation to reading its response, or serving it on the agent.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "kind"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "linkctl",
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a session is serving.",
		},
		[]string{"role"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "linkctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(handshakes, operations, exchangeDuration, activeSessions, httpRequests, httpDuration)
	})
}

func RecordHandshake(role, outcome string) {
	RegisterMetrics()
	handshakes.WithLabelValues(role, outcome).Inc()
}

func RecordOperation(role, kind, result string, duration time.Duration) {
	RegisterMetrics()
	operations.WithLabelValues(role, kind, result).Inc()
	exchangeDuration.WithLabelValues(role, kind).Observe(duration.Seconds())
}

func SetSessionActive(role string, active bool) {
	RegisterMetrics()
	v := 0.0
	if active {
		v = 1
	}
	activeSessions.WithLabelValues(role).Set(v)
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
