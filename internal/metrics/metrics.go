// Package metrics exposes Prometheus collectors for the dadude server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Control plane
	AgentsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dadude_agents_connected",
			Help: "Number of agent sessions currently registered in the hub",
		},
	)

	RPCInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dadude_rpc_inflight",
			Help: "Agent RPCs currently awaiting a response",
		},
	)

	RPCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dadude_rpc_total",
			Help: "Total agent RPCs by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dadude_rpc_duration_seconds",
			Help:    "Agent RPC round-trip duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
		[]string{"method"},
	)

	// Jobs & discovery
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dadude_jobs_total",
			Help: "Jobs reaching a terminal state by kind and status",
		},
		[]string{"kind", "status"},
	)

	DevicesUpserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dadude_devices_upserted_total",
			Help: "Device rows created or changed by discovery ingest",
		},
	)

	// Backups
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dadude_backups_total",
			Help: "Backup runs by trigger and status",
		},
		[]string{"trigger", "status"},
	)

	BackupBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dadude_backup_bytes_total",
			Help: "Total artifact bytes written to the backup store",
		},
	)

	// Operator fan-out
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dadude_events_dropped_total",
			Help: "Operator WebSocket events dropped on slow subscribers",
		},
	)

	// API
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dadude_api_requests_total",
			Help: "REST requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(AgentsConnected)
	prometheus.MustRegister(RPCInflight)
	prometheus.MustRegister(RPCTotal)
	prometheus.MustRegister(RPCDuration)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(DevicesUpserted)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupBytes)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
