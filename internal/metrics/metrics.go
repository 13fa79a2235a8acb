// Package metrics provides Prometheus instrumentation for the Ember chat
// backend. It exposes gauges for push connections and in-flight generations,
// counters for event throughput, and histograms for generation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Subscribers tracks the current number of active bus subscriptions.
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ember_bus_subscribers",
		Help: "Current number of active event bus subscriptions",
	})

	// EventsDelivered counts events handed to subscriber sinks, labeled by
	// event type.
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_events_delivered_total",
		Help: "Total number of events delivered to subscriber sinks",
	}, []string{"type"})

	// EventsDropped counts events dropped because a sink was full or failed,
	// labeled by event type.
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_events_dropped_total",
		Help: "Total number of events dropped on delivery",
	}, []string{"type"})

	// PushConnections tracks open push connections, labeled by transport
	// ("sse" or "ws").
	PushConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ember_push_connections",
		Help: "Current number of open push connections",
	}, []string{"transport"})

	// ActiveStreams tracks the number of in-flight AI generation streams.
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ember_active_streams",
		Help: "Current number of in-flight generation streams",
	})

	// StreamChunks counts text chunks relayed from the upstream provider.
	StreamChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ember_stream_chunks_total",
		Help: "Total number of upstream text chunks relayed",
	})

	// StreamDuration records end-to-end generation stream duration in seconds,
	// labeled by outcome: "completed", "stopped", or "error".
	StreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ember_stream_duration_seconds",
		Help:    "Generation stream duration from start to terminal event",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"outcome"})

	// SessionsSwept counts streaming sessions removed by the staleness sweep.
	SessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ember_sessions_swept_total",
		Help: "Total number of stale streaming sessions removed by the sweeper",
	})
)

func init() {
	prometheus.MustRegister(
		Subscribers,
		EventsDelivered,
		EventsDropped,
		PushConnections,
		ActiveStreams,
		StreamChunks,
		StreamDuration,
		SessionsSwept,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
