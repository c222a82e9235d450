package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FrontendMetrics instruments the dashboard: page traffic, the backend calls
// each page makes and the cost of drawing it.
type FrontendMetrics struct {
	// Page traffic, labeled by the matched route pattern.
	HTTPRequestsTotal    *prometheus.CounterVec   // method, route, status
	HTTPRequestDuration  *prometheus.HistogramVec // method, route
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec // route

	// Query service calls over gRPC.
	BackendCalls    *prometheus.CounterVec   // method, code
	BackendDuration *prometheus.HistogramVec // method

	// Page rendering.
	RenderDuration *prometheus.HistogramVec // page
	RenderErrors   *prometheus.CounterVec   // page
	ChartPoints    *prometheus.HistogramVec // chart
}

// NewFrontendMetrics creates and registers dashboard metrics.
func NewFrontendMetrics(namespace string) *FrontendMetrics {
	m := &FrontendMetrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Dashboard requests by route and status code",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Dashboard request latency including backend calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Dashboard requests currently being served",
			},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "response_size_bytes",
				Help:      "Size of rendered responses",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 8), // 256B to 4MB
			},
			[]string{"route"},
		),
		BackendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "calls_total",
				Help:      "Query service calls by gRPC method and status code",
			},
			[]string{"method", "code"},
		),
		BackendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "call_duration_seconds",
				Help:      "Latency of query service calls",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"method"},
		),
		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "render",
				Name:      "duration_seconds",
				Help:      "Time spent rendering a page",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
			},
			[]string{"page"},
		),
		RenderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "render",
				Name:      "errors_total",
				Help:      "Pages that failed to render",
			},
			[]string{"page"},
		),
		ChartPoints: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dashboard",
				Name:      "chart_points",
				Help:      "Number of points drawn per chart",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1 to ~16k
			},
			[]string{"chart"},
		),
	}

	MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.HTTPResponseSize,
		m.BackendCalls,
		m.BackendDuration,
		m.RenderDuration,
		m.RenderErrors,
		m.ChartPoints,
	)

	return m
}
