// Package metrics defines custom Prometheus metrics for hashstore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hashstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hashstore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Store operation metrics.
var (
	// OperationsTotal counts store operations by backend, operation and status.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashstore_operations_total",
			Help: "Store operations by backend, type and outcome",
		},
		[]string{"backend", "operation", "status"},
	)

	// OperationDuration observes store operation latency in seconds.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hashstore_operation_duration_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// BytesWrittenTotal counts bytes committed to a backend.
	BytesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashstore_bytes_written_total",
			Help: "Total bytes committed",
		},
		[]string{"backend"},
	)

	// BytesReadTotal counts bytes read back from a backend.
	BytesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashstore_bytes_read_total",
			Help: "Total bytes read",
		},
		[]string{"backend"},
	)

	// HybridFlushesTotal counts published hybrid index containers.
	HybridFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hashstore_hybrid_flushes_total",
			Help: "Hybrid index flushes",
		},
	)

	// HybridWritesTotal counts hybrid writes by tier (inline or external).
	HybridWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashstore_hybrid_writes_total",
			Help: "Hybrid store writes by tier",
		},
		[]string{"tier"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			OperationsTotal,
			OperationDuration,
			BytesWrittenTotal,
			BytesReadTotal,
			HybridFlushesTotal,
			HybridWritesTotal,
		)
		// Initialize the tier series so they appear in /metrics output
		// before the first write.
		HybridWritesTotal.WithLabelValues("inline")
		HybridWritesTotal.WithLabelValues("external")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual keys.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health", "/info", "/metrics", "/content", "/openapi.json":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/blobs/") && len(path) > len("/blobs/") {
		return "/blobs/{key}"
	}
	return "/other"
}
