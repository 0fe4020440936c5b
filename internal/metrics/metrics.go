// Package metrics holds the broker's prometheus collectors. Registration goes
// to the default registry; exposing them over HTTP is left to the embedder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics
var (
	PoolProxies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxybroker_pool_proxies",
			Help: "Number of proxies in the pool snapshot",
		},
		[]string{"country", "state"}, // state: total, available
	)

	PoolBlacklisted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxybroker_pool_blacklisted",
			Help: "Number of currently blacklisted proxies",
		},
	)

	PoolAverageScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxybroker_pool_average_score",
			Help: "Average score across all proxies in the snapshot",
		},
	)

	PoolRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxybroker_pool_refresh_total",
			Help: "Pool refresh cycles by result",
		},
		[]string{"result"},
	)

	PoolRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxybroker_pool_refresh_duration_seconds",
			Help:    "Duration of pool refresh cycles",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)
)

// Selection metrics
var (
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxybroker_selections_total",
			Help: "Proxy selections by strategy and result",
		},
		[]string{"strategy", "result"},
	)
)

// Failover metrics
var (
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxybroker_failovers_total",
			Help: "Failover attempts by result",
		},
		[]string{"result"},
	)

	FailoverRetries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxybroker_failover_retries",
			Help:    "Selection attempts used per failover",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)
)

// Health metrics
var (
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxybroker_health_checks_total",
			Help: "Device proxy health checks by classified status",
		},
		[]string{"status"},
	)

	HealthCheckLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxybroker_health_check_latency_seconds",
			Help:    "Latency reported by successful proxy health checks",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
)

// Orphan cleanup metrics
var (
	OrphansDetected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxybroker_orphans_detected",
			Help: "Orphaned usage records found by the last detection",
		},
	)

	OrphanReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxybroker_orphan_releases_total",
			Help: "Orphan cleanup provider releases by result",
		},
		[]string{"result"},
	)
)
