// Package metrics holds the Prometheus collectors shared by the speedtin
// packages.
//
// speedtin is a short-lived CLI, so nothing is served over HTTP. Collectors
// live on Registry and can be dumped with WriteTextfile for node_exporter's
// textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every speedtin collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// LockAttempts counts single lock attempts by outcome ("acquired", "busy").
	LockAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtin_lock_attempts_total",
			Help: "Total number of non-blocking system mutex attempts",
		},
		[]string{"outcome"},
	)

	// LockTimeouts counts timed acquisitions that ran out of attempts.
	LockTimeouts = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "speedtin_lock_timeouts_total",
			Help: "Total number of timed mutex acquisitions that gave up",
		},
	)

	// LockWait observes how long a timed acquisition waited before it got
	// the lock.
	LockWait = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "speedtin_lock_wait_seconds",
			Help:    "Time spent waiting for a system mutex",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10},
		},
	)

	// CacheRecords counts Add calls per bucket by result ("added", "duplicate").
	CacheRecords = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtin_cache_records_total",
			Help: "Records offered to the local cache",
		},
		[]string{"bucket", "result"},
	)

	// CacheSnapshots counts bucket files rewritten.
	CacheSnapshots = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtin_cache_snapshots_total",
			Help: "Bucket snapshots written to disk",
		},
		[]string{"bucket"},
	)

	// RemoteRequests counts HTTP calls to the dashboard by endpoint and status code.
	RemoteRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtin_remote_requests_total",
			Help: "Requests sent to the dashboard API",
		},
		[]string{"endpoint", "code"},
	)

	// RemoteLatency observes dashboard request latency.
	RemoteLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "speedtin_remote_request_duration_seconds",
			Help:    "Latency of dashboard API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Committed counts records flushed to the dashboard by kind
	// ("benchmark", "measurement").
	Committed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtin_committed_total",
			Help: "Records successfully committed to the dashboard",
		},
		[]string{"kind"},
	)

	// CommitFailures counts records that failed to commit by kind and reason.
	CommitFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtin_commit_failures_total",
			Help: "Records that failed to commit",
		},
		[]string{"kind", "reason"},
	)
)

// WriteTextfile atomically writes the current value of every collector to
// path in the Prometheus text exposition format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
