package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "instance_gateway"

var (
	launchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_total",
			Help:      "Count of launch requests by outcome (created, reused, rejected, failed).",
		},
		[]string{"outcome"},
	)
	launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Time spent creating and starting instance containers.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"outcome"},
	)
	reclaimCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaim_total",
			Help:      "Count of removed instances by source (acquire, sweep, orphan, port_conflict).",
		},
		[]string{"source"},
	)
	proxyCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Count of proxied requests by result (forwarded, not_found, forbidden, backend_unavailable, canceled, read_idle_timeout).",
		},
		[]string{"result"},
	)
	rateLimitedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_rate_limited_total",
			Help:      "Count of launch requests rejected by the launch rate guard.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics with reg.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(launchCounter)
		reg.MustRegister(launchDuration)
		reg.MustRegister(reclaimCounter)
		reg.MustRegister(proxyCounter)
		reg.MustRegister(rateLimitedCounter)
	})
}

// RecordLaunch records a launch outcome.
func RecordLaunch(outcome string) {
	launchCounter.WithLabelValues(outcome).Inc()
}

// ObserveLaunchDuration records how long a container launch took.
func ObserveLaunchDuration(outcome string, seconds float64) {
	launchDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordReclaim records a removed instance.
func RecordReclaim(source string) {
	reclaimCounter.WithLabelValues(source).Inc()
}

// RecordProxy records a proxied request result.
func RecordProxy(result string) {
	proxyCounter.WithLabelValues(result).Inc()
}

// RecordRateLimited records a rejected launch.
func RecordRateLimited() {
	rateLimitedCounter.Inc()
}
