package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by hgrev.
const Namespace = "hgrev"

const (
	// OutcomeSuccess labels a remote fetch that returned data.
	OutcomeSuccess = "success"
	// OutcomeNotFound labels a fetch answered with "unknown revision".
	OutcomeNotFound = "not_found"
	// OutcomeRetry labels a failed attempt that led to another attempt.
	OutcomeRetry = "retry"
	// OutcomeFailure labels a fetch that exhausted every fallback.
	OutcomeFailure = "failure"
)

// MustRegisterCounterVec creates and registers a counter vector.
// Must be called from `init` or a package level var.
func MustRegisterCounterVec(component, name, help string, labelNames ...string) *prometheus.CounterVec {
	m := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

// MustRegisterGauge creates and registers a gauge.
func MustRegisterGauge(component, name, help string) prometheus.Gauge {
	m := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(m)
	return m
}

// MustRegisterHistogramVec creates and registers a histogram vector.
func MustRegisterHistogramVec(component, name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	m := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

// SetDurationObserver observes the seconds elapsed since startTime.
func SetDurationObserver(o prometheus.Observer, startTime time.Time) {
	o.Observe(time.Since(startTime).Seconds())
}

// CacheRequests counts memo lookups by cache name and result (hit, miss, share).
var CacheRequests = MustRegisterCounterVec(
	"cache",
	"requests_total",
	"Number of memo lookups by cache and result.",
	"cache", "result",
)

// QueueSize tracks the number of pending discovery tasks.
var QueueSize = MustRegisterGauge(
	"daemon",
	"queue_size",
	"Current number of pending discovery tasks.",
)

// DaemonProcessed counts revision ids handled by the discovery daemon by outcome.
var DaemonProcessed = MustRegisterCounterVec(
	"daemon",
	"processed_total",
	"Number of revision ids handled by the discovery daemon.",
	"outcome",
)

// RemoteFetches counts hosting service requests by outcome.
var RemoteFetches = MustRegisterCounterVec(
	"remote",
	"fetches_total",
	"Number of hosting service requests by outcome.",
	"outcome",
)

// IndexRetries counts retried index operations by transient kind.
var IndexRetries = MustRegisterCounterVec(
	"index",
	"retries_total",
	"Number of index operations retried after a transient failure.",
	"kind",
)

// ResolutionDuration tracks how long revision resolutions take, labeled by source.
var ResolutionDuration = MustRegisterHistogramVec(
	"resolver",
	"resolution_duration_seconds",
	"Duration of revision resolutions in seconds.",
	[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	"source",
)
