// Package observability holds the Prometheus collectors recorded by the
// index, its stores and the HTTP surface.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_op_total",
			Help: "Backing store operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of backing store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	leafReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaf_reads_total",
			Help: "Leaf payload reads by outcome.",
		},
		[]string{"outcome"},
	)

	leafWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaf_writes_total",
			Help: "Leaf payload writes by outcome.",
		},
		[]string{"outcome"},
	)

	remoteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_request_duration_seconds",
			Help:    "Latency of remote catalog calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_refresh_total",
			Help: "Index (re)builds by the source of the tree.",
		},
		[]string{"source"},
	)

	kNearestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knearest_duration_seconds",
			Help:    "Duration of k-nearest queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	kNearestLeaves = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knearest_candidate_leaves",
			Help:    "Candidate leaves read per k-nearest query.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	syncResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facility_sync_total",
			Help: "Offline facility submissions by sync outcome.",
		},
		[]string{"outcome"},
	)

	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_events_total",
			Help: "Catalog change events by handling outcome.",
		},
		[]string{"outcome"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		storeOps, storeOpDuration,
		leafReads, leafWrites,
		remoteLatency, refreshes,
		kNearestDuration, kNearestLeaves,
		syncResults, eventsConsumed,
	}
}

func init() {
	Init(prometheus.DefaultRegisterer, true)
}

// Init registers every collector with reg and toggles recording. Collectors
// already registered with reg are left in place.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveStoreOp(op string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	storeOps.WithLabelValues(op, outcome(err)).Inc()
	storeOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

// ObserveLeafRead records one leaf payload read; outcome is one of ok,
// not_found, codec_error or error.
func ObserveLeafRead(outcome string) {
	if !enabled.Load() {
		return
	}
	leafReads.WithLabelValues(outcome).Inc()
}

func ObserveLeafWrite(err error) {
	if !enabled.Load() {
		return
	}
	leafWrites.WithLabelValues(outcome(err)).Inc()
}

func ObserveRemote(op, outcome string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	remoteLatency.WithLabelValues(op, outcome).Observe(durationSeconds)
}

// ObserveRefresh records where a (re)built tree came from: remote, snapshot
// or none.
func ObserveRefresh(source string) {
	if !enabled.Load() {
		return
	}
	refreshes.WithLabelValues(source).Inc()
}

func ObserveKNearest(durationSeconds float64, leaves int) {
	if !enabled.Load() {
		return
	}
	kNearestDuration.Observe(durationSeconds)
	kNearestLeaves.Observe(float64(leaves))
}

func AddSyncResults(outcome string, n int) {
	if !enabled.Load() || n <= 0 {
		return
	}
	syncResults.WithLabelValues(outcome).Add(float64(n))
}

func ObserveEvent(outcome string) {
	if !enabled.Load() {
		return
	}
	eventsConsumed.WithLabelValues(outcome).Inc()
}
