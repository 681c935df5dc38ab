// Package telemetry holds the process-wide Prometheus collectors.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

const namespace = "clipcast"

var (
	// Connections is the number of open websocket connections.
	Connections prometheus.Gauge
	// SessionsCached is the number of sessions held by the registry.
	SessionsCached prometheus.Gauge
	// Events counts handled inbound events by name and result code ("ok" or an error code).
	Events *prometheus.CounterVec
	// Deliveries counts frames queued to connections; dropped frames are labelled "dropped".
	Deliveries *prometheus.CounterVec
	// TerminalPersistFailures counts end transitions whose counters did not reach the store.
	TerminalPersistFailures prometheus.Counter
)

func init() {
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections",
	})
	SessionsCached = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "sessions_cached",
	})
	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "events_total",
		},
		[]string{"event", "result"},
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "deliveries_total",
		},
		[]string{"status"},
	)
	TerminalPersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "terminal_persist_failures_total",
	})

	prometheus.MustRegister(Connections, SessionsCached, Events, Deliveries, TerminalPersistFailures)
}

// ConnectionOpened records a new websocket connection.
func ConnectionOpened() {
	Connections.Inc()
}

// ConnectionClosed records a closed websocket connection.
func ConnectionClosed() {
	Connections.Dec()
}

// Delivered records the outcome of queueing one frame.
func Delivered(ok bool) {
	if ok {
		Deliveries.WithLabelValues("queued").Inc()
		return
	}
	Deliveries.WithLabelValues("dropped").Inc()
}
