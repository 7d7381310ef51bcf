package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics are labelled by chi route pattern so worker IDs never become
// label values.
var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_http_requests_total",
		Help: "HTTP requests served, by method, route and status code.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offload_http_request_duration_seconds",
		Help:    "Time to serve an HTTP request, including the worker call for run requests.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 60},
	}, []string{"method", "route"})

	httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offload_http_response_size_bytes",
		Help:    "Size of HTTP response bodies.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"route"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offload_http_requests_in_flight",
		Help: "HTTP requests currently being served, including open event streams.",
	})
)

// instrument records count, latency and response size per route.
func instrument(next http.Handler) http.Handler {
	observed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		httpResponseSize.WithLabelValues(route).Observe(float64(ww.BytesWritten()))
	})
	return promhttp.InstrumentHandlerInFlight(httpInFlight, observed)
}
