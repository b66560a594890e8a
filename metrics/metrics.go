// Package metrics exposes Prometheus counters and gauges for the
// compositor behind a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the pipeline.
type Metrics struct {
	registry           *prometheus.Registry
	ticksTotal         prometheus.Counter
	degradedTicksTotal prometheus.Counter
	streamingFeeds     prometheus.Gauge
	feedErrorsTotal    prometheus.Counter
	sessionsTotal      prometheus.Counter
}

// New creates and registers the compositor's metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	ticksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mosaic_composite_ticks_total",
		Help: "Total number of composite ticks emitted",
	})
	degradedTicksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mosaic_degraded_ticks_total",
		Help: "Total number of ticks that re-emitted the previous composite",
	})
	streamingFeeds := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mosaic_streaming_feeds",
		Help: "Number of feeds currently in the streaming state",
	})
	feedErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mosaic_feed_errors_total",
		Help: "Total number of feed decode errors observed",
	})
	sessionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mosaic_sessions_total",
		Help: "Total number of egress sessions negotiated",
	})

	registry.MustRegister(
		ticksTotal,
		degradedTicksTotal,
		streamingFeeds,
		feedErrorsTotal,
		sessionsTotal,
	)

	return &Metrics{
		registry:           registry,
		ticksTotal:         ticksTotal,
		degradedTicksTotal: degradedTicksTotal,
		streamingFeeds:     streamingFeeds,
		feedErrorsTotal:    feedErrorsTotal,
		sessionsTotal:      sessionsTotal,
	}
}

// TickObserved records one composite tick.
func (m *Metrics) TickObserved(degraded bool) {
	m.ticksTotal.Inc()
	if degraded {
		m.degradedTicksTotal.Inc()
	}
}

// SetStreamingFeeds records the number of feeds currently streaming.
func (m *Metrics) SetStreamingFeeds(n int) {
	m.streamingFeeds.Set(float64(n))
}

// FeedError records one feed decode error.
func (m *Metrics) FeedError() {
	m.feedErrorsTotal.Inc()
}

// SessionNegotiated records one produced answer.
func (m *Metrics) SessionNegotiated() {
	m.sessionsTotal.Inc()
}

// Handler returns an http.Handler serving the metrics in the Prometheus
// text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
