package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	peersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "substrate_transport_peers",
			Help: "Number of attached peers by transport.",
		},
		[]string{"transport"},
	)
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_transport_messages_total",
			Help: "Number of framed messages by transport and direction.",
		},
		[]string{"transport", "direction"},
	)
	decodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_transport_decode_failures_total",
			Help: "Number of received frames that failed to decode.",
		},
		[]string{"transport"},
	)

	transportCollectors = []prometheus.Collector{
		peersActive,
		messagesTotal,
		decodeFailures,
	}

	metricsOnce sync.Once
)

// initMetrics registers the metrics collectors.
func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(transportCollectors...)
	})
}
