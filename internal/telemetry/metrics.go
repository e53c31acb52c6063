package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "relaygate",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// CacheHitsTotal / CacheMissesTotal track C2 credential cache effectiveness.
var (
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of credential cache hits.",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total number of credential cache misses.",
	})
	CacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaygate",
		Subsystem: "cache",
		Name:      "size",
		Help:      "Current number of entries in the credential cache.",
	})
)

// RefreshAttemptsTotal / RefreshDuration / RefreshSingleflightWaitsTotal
// instrument the token refresh coordinator (C4).
var (
	RefreshAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaygate",
			Subsystem: "refresh",
			Name:      "attempts_total",
			Help:      "Total number of refresh attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaygate",
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "Duration of outbound OAuth refresh/exchange calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)
	RefreshSingleflightWaitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "refresh",
		Name:      "singleflight_waits_total",
		Help:      "Total number of callers that waited on an in-flight refresh instead of issuing a new one.",
	})
)

// InstancesActiveGauge and MaintenanceTickDuration instrument C5/C7.
var (
	InstancesActiveGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaygate",
			Subsystem: "instances",
			Name:      "active",
			Help:      "Number of active, oauth-completed instances per user.",
		},
		[]string{"user_id"},
	)
	MaintenanceTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaygate",
			Subsystem: "maintenance",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a maintenance loop tick by phase.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
	MaintenanceItemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaygate",
			Subsystem: "maintenance",
			Name:      "items_processed_total",
			Help:      "Total number of items processed by a maintenance phase.",
		},
		[]string{"phase"},
	)
)

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTP metric, and the relaygate-specific
// collectors declared above.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheSize,
		RefreshAttemptsTotal,
		RefreshDuration,
		RefreshSingleflightWaitsTotal,
		InstancesActiveGauge,
		MaintenanceTickDuration,
		MaintenanceItemsProcessedTotal,
	)
	return reg
}
