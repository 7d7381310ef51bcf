package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/offload/internal/model"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_worker_calls_total",
			Help: "Total number of worker calls by entry point and outcome.",
		},
		[]string{"locator", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offload_worker_call_duration_seconds",
			Help:    "Duration of worker calls from send to recorded response, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"locator"},
	)

	busyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_worker_busy_rejections_total",
			Help: "Total number of calls rejected because the handle was busy.",
		},
		[]string{"locator"},
	)

	droppedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offload_worker_dropped_responses_total",
			Help: "Total number of responses discarded because no matching call was in flight.",
		},
	)

	activeHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offload_worker_handles_active",
			Help: "Number of worker handles not yet terminated.",
		},
	)
)

// callOutcomes lists the outcomes a finished call can have.
var callOutcomes = []string{
	model.OutcomeSucceeded,
	model.OutcomeFailed,
	model.OutcomeAbandoned,
	model.OutcomeOrphaned,
}

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(busyRejections)
	prometheus.MustRegister(droppedResponses)
	prometheus.MustRegister(activeHandles)
}

// initLocatorMetrics makes a locator's series appear with value 0 as soon as
// its definition exists.
func initLocatorMetrics(locator string) {
	for _, outcome := range callOutcomes {
		callsTotal.WithLabelValues(locator, outcome)
	}
	busyRejections.WithLabelValues(locator)
}
