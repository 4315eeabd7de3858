// Package observability exposes the Prometheus metrics emitted by the
// matching engine, dispatcher, and ambient HTTP surface.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cabpool", Name: "matches_total", Help: "Total match attempts by outcome"},
		[]string{"kind"}, // rejected_capacity, direct, detour
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "cabpool", Name: "match_latency_seconds", Help: "End-to-end Match() latency"})

	PoolZremRacesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cabpool", Name: "pool_zrem_races_total", Help: "Times a worker lost the pairing commit race and re-entered the scan"})

	DurableCommitFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cabpool", Name: "matcher_durable_commit_failures_total", Help: "Pool-side commits that succeeded while the durable Trip Store transaction failed"})

	NotifyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cabpool", Name: "notify_failures_total", Help: "Best-effort notification bus publish failures"})

	DispatcherWorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cabpool", Name: "dispatcher_workers_busy", Help: "Number of dispatcher workers currently processing a task"})
	DispatcherTasksTotal  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cabpool", Name: "dispatcher_tasks_total", Help: "Total dispatcher tasks by kind and outcome"},
		[]string{"kind", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cabpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cabpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
