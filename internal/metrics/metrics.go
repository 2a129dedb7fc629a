// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent metrics
	AgentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "showrunner_agents",
			Help: "Number of agents by lifecycle status",
		},
		[]string{"status"},
	)

	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "showrunner_workers_running",
			Help: "Number of live worker processes",
		},
	)

	// Supervisor metrics
	HeartbeatTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_heartbeat_timeouts_total",
			Help: "Total heartbeat timeouts detected by role",
		},
		[]string{"role"},
	)

	Spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_spawns_total",
			Help: "Total worker spawn attempts by role",
		},
		[]string{"role"},
	)

	SpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_spawn_failures_total",
			Help: "Total failed worker spawns by role",
		},
		[]string{"role"},
	)

	Escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "showrunner_escalations_total",
			Help: "Total agents escalated after exhausting their retry budget",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "showrunner_tick_duration_seconds",
			Help:    "Supervisor tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Facade metrics
	HeartbeatsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_heartbeats_total",
			Help: "Total heartbeats received by role",
		},
		[]string{"role"},
	)

	Completions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_completions_total",
			Help: "Total agents completed by role",
		},
		[]string{"role"},
	)

	// Bus metrics
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_messages_total",
			Help: "Total messages published by type",
		},
		[]string{"type"},
	)

	CheckpointsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showrunner_checkpoints_total",
			Help: "Total checkpoints persisted by role",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(AgentsByStatus)
	prometheus.MustRegister(WorkersRunning)
	prometheus.MustRegister(HeartbeatTimeouts)
	prometheus.MustRegister(Spawns)
	prometheus.MustRegister(SpawnFailures)
	prometheus.MustRegister(Escalations)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(Completions)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(CheckpointsSaved)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
