package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phantom",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "phantom",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	ingressRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phantom",
			Subsystem: "ingress",
			Name:      "requests_total",
			Help:      "Ingress rendezvous requests by terminal outcome.",
		},
		[]string{"scope", "outcome"},
	)
	ingressDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "phantom",
			Subsystem: "ingress",
			Name:      "rendezvous_duration_seconds",
			Help:      "Time from ingress enqueue to terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"scope", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, ingressRequests, ingressDuration)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordIngress records one ingress rendezvous outcome:
// matched, fallback, no_nodes, timeout, or error.
func RecordIngress(scope, outcome string, duration time.Duration) {
	RegisterMetrics()
	ingressRequests.WithLabelValues(scope, outcome).Inc()
	ingressDuration.WithLabelValues(scope, outcome).Observe(duration.Seconds())
}
