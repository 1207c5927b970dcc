// Package metrics holds the prometheus collectors for the ingester.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains every collector the pipeline updates.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	DecodeResults    *prometheus.CounterVec
	EventsEmitted    prometheus.Counter
	AppendLogErrors  *prometheus.CounterVec

	StoreWrites        *prometheus.CounterVec
	StoreWriteDuration prometheus.Histogram
	SinkDropped        prometheus.Counter
	SinkQueueDepth     prometheus.Gauge

	SupervisorState prometheus.Gauge
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "messages_received_total",
				Help:      "Messages received from the bus by payload format",
			},
			[]string{"format"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "messages_dropped_total",
				Help:      "Messages dropped before reaching the ingestion loop",
			},
			[]string{"source"},
		),
		DecodeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "results_total",
				Help:      "Decode outcomes by packet kind",
			},
			[]string{"outcome"},
		),
		EventsEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Geolocated events built from position packets",
			},
		),
		AppendLogErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "applog",
				Name:      "write_errors_total",
				Help:      "Failed append log writes by log",
			},
			[]string{"log"},
		),
		StoreWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "writes_total",
				Help:      "Relational writes by status",
			},
			[]string{"status"}, // status: success, error, skipped
		),
		StoreWriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "write_duration_seconds",
				Help:      "Duration of the event insert and device upsert transaction",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SinkDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "dropped_total",
				Help:      "Relational writes dropped because the sink queue was full",
			},
		),
		SinkQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "queue_depth",
				Help:      "Relational writes waiting for a worker",
			},
		),
		SupervisorState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "state",
				Help:      "Store connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded)",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.MessagesDropped,
			m.DecodeResults,
			m.EventsEmitted,
			m.AppendLogErrors,
			m.StoreWrites,
			m.StoreWriteDuration,
			m.SinkDropped,
			m.SinkQueueDepth,
			m.SupervisorState,
		)
	}
	return m
}
