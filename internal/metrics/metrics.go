// Package metrics provides Prometheus instrumentation for the real-time
// core. It exposes gauges for connection, room, and presence counts,
// counters for event fan-out and relay traffic, and a latency histogram for
// publish calls.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hivedesk_rt_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsTotal tracks the current number of non-empty rooms on this process.
	RoomsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hivedesk_rt_rooms_total",
		Help: "Current number of non-empty rooms",
	})

	// UsersOnline tracks the number of (user, workspace) pairs not offline.
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hivedesk_rt_users_online",
		Help: "Current number of user/workspace pairs online or away",
	})

	// EventsPublished counts publish calls, labeled by event kind.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hivedesk_rt_events_published_total",
		Help: "Total events accepted for fan-out",
	}, []string{"kind"})

	// EventsDelivered counts successful per-connection deliveries by kind.
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hivedesk_rt_events_delivered_total",
		Help: "Total per-connection event deliveries",
	}, []string{"kind"})

	// DeliveryFailures counts per-connection sends that failed.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hivedesk_rt_delivery_failures_total",
		Help: "Total per-connection deliveries that failed",
	})

	// EventsRelayedIn counts events received from the scale-out bus.
	EventsRelayedIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hivedesk_rt_events_relayed_in_total",
		Help: "Total events received from other processes via the relay",
	})

	// RelayFailures counts relay publishes dropped because the bus was
	// unreachable.
	RelayFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hivedesk_rt_relay_failures_total",
		Help: "Total relay publishes dropped due to bus errors",
	})

	// FanoutDuration records publish latency in seconds, local delivery and
	// relay forward included.
	FanoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hivedesk_rt_fanout_duration_seconds",
		Help:    "Publish latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsTotal,
		UsersOnline,
		EventsPublished,
		EventsDelivered,
		DeliveryFailures,
		EventsRelayedIn,
		RelayFailures,
		FanoutDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
