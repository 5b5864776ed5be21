// Package metrics defines the bridge's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the bridge maintains.
type Metrics struct {
	MessagesReceived  prometheus.Counter
	MessagesDiscarded prometheus.Counter
	CommandsPublished prometheus.Counter
	CommandFailures   prometheus.Counter
	SnapshotFailures  prometheus.Counter
	KnownDevices      prometheus.Gauge
	ActiveSubscribers prometheus.Gauge
	BusConnected      prometheus.Gauge
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_bus_messages_received_total",
			Help: "Telemetry messages accepted from the bus.",
		}),
		MessagesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_bus_messages_discarded_total",
			Help: "Bus messages discarded for a non-matching topic.",
		}),
		CommandsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_commands_published_total",
			Help: "Commands successfully published to device topics.",
		}),
		CommandFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_command_failures_total",
			Help: "Command publishes rejected or failed by the bus.",
		}),
		SnapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_snapshot_write_failures_total",
			Help: "Failed writes of latest-record snapshots to the database.",
		}),
		KnownDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_known_devices",
			Help: "Devices with at least one telemetry record.",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_subscribers",
			Help: "Currently connected live-update subscribers.",
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_bus_connected",
			Help: "Whether the bus connection is currently up (0 or 1).",
		}),
	}

	reg.MustRegister(
		m.MessagesReceived,
		m.MessagesDiscarded,
		m.CommandsPublished,
		m.CommandFailures,
		m.SnapshotFailures,
		m.KnownDevices,
		m.ActiveSubscribers,
		m.BusConnected,
	)
	return m
}
