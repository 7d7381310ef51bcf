package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/offload/internal/model"
)

var (
	launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offload_transport_launch_seconds",
			Help:    "Duration from launch request to a worker context ready for messages, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	activeTransports = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offload_transport_active",
			Help: "Number of worker contexts currently connected.",
		},
		[]string{"kind"},
	)
)

// Kinds lists every transport kind this package can launch.
var Kinds = []string{
	model.TransportInProcess,
	model.TransportProcess,
	model.TransportUnix,
	model.TransportVsock,
}

func init() {
	prometheus.MustRegister(launchDuration)
	prometheus.MustRegister(activeTransports)

	// Pre-initialize label combinations so they appear in /metrics
	// with value 0 from startup.
	for _, kind := range Kinds {
		activeTransports.WithLabelValues(kind)
	}
}
