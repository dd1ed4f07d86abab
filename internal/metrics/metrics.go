package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HealthChecksTotal tracks connectivity probes per server and outcome
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_health_checks_total",
			Help: "Total number of connectivity probes",
		},
		[]string{"server", "outcome"},
	)

	// HealthCheckLatency tracks connectivity probe latency
	HealthCheckLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "failover_health_check_latency_seconds",
			Help:    "Connectivity probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	// PoolSize tracks the number of pooled connections
	PoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "failover_pool_size",
			Help: "Number of pooled connections",
		},
	)

	// PoolConnectionsCreated tracks connection creations
	PoolConnectionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_pool_connections_created_total",
			Help: "Total number of pooled connections created",
		},
	)

	// PoolConnectionsEvicted tracks evictions and sweep removals
	PoolConnectionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_pool_connections_evicted_total",
			Help: "Total number of pooled connections removed",
		},
		[]string{"reason"},
	)

	// PoolLookupsTotal tracks connection acquisitions per outcome
	PoolLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_pool_lookups_total",
			Help: "Total number of pool acquisitions",
		},
		[]string{"outcome"},
	)

	// CacheLookupsTotal tracks cache lookups per category and outcome
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"category", "outcome"},
	)

	// RetriesTotal tracks retry attempts per operation kind
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_retries_total",
			Help: "Total number of retried attempts",
		},
		[]string{"op"},
	)

	// SwitchesTotal tracks server switches per final status
	SwitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_switches_total",
			Help: "Total number of server switch attempts",
		},
		[]string{"status"},
	)

	// SwitchDuration tracks end-to-end switch duration
	SwitchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "failover_switch_duration_seconds",
			Help:    "End-to-end server switch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// BackupsTotal tracks cache backup and restore operations
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_cache_backups_total",
			Help: "Total number of cache backup operations",
		},
		[]string{"op", "outcome"},
	)

	// CorruptEntriesTotal tracks entries flagged by the corruption scan
	CorruptEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_cache_corrupt_entries_total",
			Help: "Total number of corrupt cache entries found",
		},
	)

	// ActiveServerInfo exposes the currently active server id
	ActiveServerInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "failover_active_server",
			Help: "Set to 1 for the currently active server",
		},
		[]string{"server"},
	)
)
