package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once
	shared   *CoreMetrics
)

// CoreMetrics aggregates the prometheus instruments exported by the
// coordination plane.
type CoreMetrics struct {
	NodesByStatus     *prometheus.GaugeVec
	ReputationEvents  *prometheus.CounterVec
	TaskTransitions   *prometheus.CounterVec
	TasksPending      prometheus.Gauge
	TaskDuration      prometheus.Histogram
	EscrowTransitions *prometheus.CounterVec
	EscrowSettled     *prometheus.CounterVec
	P2PDatagrams      *prometheus.CounterVec
	P2PKnownPeers     prometheus.Gauge
	P2PDroppedDupes   prometheus.Counter
}

// Core returns the process-wide metrics set, registering it on first use.
func Core() *CoreMetrics {
	initOnce.Do(func() {
		m := &CoreMetrics{
			NodesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "duxnet_registry_nodes",
				Help: "Registered nodes by status.",
			}, []string{"status"}),
			ReputationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "duxnet_reputation_events_total",
				Help: "Reputation events applied, by kind.",
			}, []string{"event"}),
			TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "duxnet_task_transitions_total",
				Help: "Task state transitions, by target status.",
			}, []string{"status"}),
			TasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "duxnet_tasks_pending",
				Help: "Tasks currently waiting for assignment.",
			}),
			TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "duxnet_task_duration_seconds",
				Help:    "Wall-clock duration of completed tasks.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
			EscrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "duxnet_escrow_transitions_total",
				Help: "Escrow state transitions, by target status.",
			}, []string{"status"}),
			EscrowSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "duxnet_escrow_settlements_total",
				Help: "Completed escrow settlements, by currency.",
			}, []string{"currency"}),
			P2PDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "duxnet_p2p_datagrams_total",
				Help: "UDP presence datagrams by direction and message type.",
			}, []string{"direction", "type"}),
			P2PKnownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "duxnet_p2p_known_peers",
				Help: "Peers currently present in the P2P view.",
			}),
			P2PDroppedDupes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "duxnet_p2p_duplicate_messages_total",
				Help: "Datagrams dropped by message-id deduplication.",
			}),
		}
		prometheus.MustRegister(
			m.NodesByStatus, m.ReputationEvents,
			m.TaskTransitions, m.TasksPending, m.TaskDuration,
			m.EscrowTransitions, m.EscrowSettled,
			m.P2PDatagrams, m.P2PKnownPeers, m.P2PDroppedDupes,
		)
		shared = m
	})
	return shared
}
