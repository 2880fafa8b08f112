// Package metrics provides Prometheus instrumentation for the tick pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UpstreamStreams tracks the number of live upstream streams.
	UpstreamStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botwatch_upstream_streams",
		Help: "Number of upstream ticker streams currently subscribed",
	})

	// TicksTotal counts decoded ticks by channel.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botwatch_ticks_total",
		Help: "Total ticks received from the upstream feed",
	}, []string{"channel"})

	// MalformedTicksTotal counts frames dropped because the price did not parse.
	MalformedTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botwatch_malformed_ticks_total",
		Help: "Total frames dropped for an unparsable price",
	})

	// CallbackFailuresTotal counts recovered panics in tick callbacks.
	CallbackFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botwatch_callback_failures_total",
		Help: "Total tick callbacks that panicked",
	})

	// ReconnectsTotal counts upstream reconnect attempts.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botwatch_upstream_reconnects_total",
		Help: "Total upstream reconnect attempts",
	})

	// SnapshotsTotal counts position snapshots produced.
	SnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botwatch_position_snapshots_total",
		Help: "Total position snapshots produced by the aggregator",
	})

	// ActivationsTotal counts WAITING/PENDING -> ACTIVE transitions by bot type.
	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botwatch_activations_total",
		Help: "Total bot activations detected",
	}, []string{"bot_type"})

	// EventsAppendedTotal counts appends per store.
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botwatch_events_appended_total",
		Help: "Total events appended",
	}, []string{"store"})

	// PersistFailuresTotal counts storage faults per store.
	PersistFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botwatch_persist_failures_total",
		Help: "Total storage read/write failures",
	}, []string{"store"})

	// WebSocketClients tracks connected UI websocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botwatch_websocket_clients",
		Help: "Number of connected websocket clients",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
