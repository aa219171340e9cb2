package instance

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_operations_total",
			Help: "Number of operations applied by the worker.",
		},
		[]string{"kind"},
	)
	opsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_operation_failures_total",
			Help: "Number of operations that failed in the worker.",
		},
		[]string{"kind"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_notifications_total",
			Help: "Number of subscription notifications by result.",
		},
		[]string{"result"},
	)
	connectionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "substrate_connections_opened_total",
			Help: "Number of peer connections registered.",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "substrate_connections_active",
			Help: "Number of currently registered peer connections.",
		},
	)
	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "substrate_queue_length",
			Help: "Number of operations waiting for the worker.",
		},
	)

	instanceCollectors = []prometheus.Collector{
		opsApplied,
		opsFailed,
		notifications,
		connectionsOpened,
		connectionsActive,
		queueLength,
	}

	metricsOnce sync.Once
)

// initMetrics registers the metrics collectors.
func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(instanceCollectors...)
	})
}
