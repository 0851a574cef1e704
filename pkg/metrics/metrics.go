// Package metrics exposes the broker's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Router metrics
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_messages_total",
			Help: "Messages handled by the router, by type and source",
		},
		[]string{"type", "source"},
	)

	RoutingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_routing_errors_total",
			Help: "Routing failures by error kind",
		},
		[]string{"kind"},
	)

	// Event metrics
	EventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_events_published_total",
			Help: "Events published by the rank 0 sequencer",
		},
	)

	EventsLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_events_lost_total",
			Help: "Event sequence gaps observed on the receive path",
		},
	)

	EventRecvSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_event_recv_seq",
			Help: "Highest event sequence number received",
		},
	)

	// Module metrics
	ModulesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_modules_loaded",
			Help: "Number of loaded modules",
		},
	)

	// Heartbeat metrics
	HeartbeatEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_heartbeat_epoch",
			Help: "Last heartbeat epoch observed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		RoutingErrorsTotal,
		EventsPublishedTotal,
		EventsLostTotal,
		EventRecvSeq,
		ModulesLoaded,
		HeartbeatEpoch,
	)
}

// Handler returns the HTTP handler serving the metrics registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
