package event

import "github.com/prometheus/client_golang/prometheus"

var (
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_ws_connections",
			Help: "Current number of active websocket observers.",
		},
	)
	wsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_ws_events_delivered_total",
			Help: "Total events written to websocket observers.",
		},
	)
	wsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_ws_events_dropped_total",
			Help: "Events dropped because an observer's buffer was full.",
		},
	)
	relayPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_relay_published_total",
			Help: "Events published to the cross-replica relay.",
		},
	)
	relayReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_relay_received_total",
			Help: "Events received from other replicas.",
		},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsDelivered, wsDropped, relayPublished, relayReceived)
}
