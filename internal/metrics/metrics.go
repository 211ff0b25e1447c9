// Package metrics exposes Prometheus instrumentation for the detection
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived prometheus.Counter
	EventsInvalid  prometheus.Counter
	EventsDropped  prometheus.Counter
	Findings       *prometheus.CounterVec

	AlertsCreated    prometheus.Counter
	AlertsUpdated    prometheus.Counter
	AlertsSuppressed prometheus.Counter

	Deliveries *prometheus.CounterVec

	QueueDepth  prometheus.GaugeFunc
	RulesLoaded prometheus.Gauge
}

// New creates the collectors on a private registry. queueDepth is sampled
// on every scrape; pass nil when there is no queue.
func New(queueDepth func() float64) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_received_total",
			Help: "Total number of events received",
		}),
		EventsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_invalid_total",
			Help: "Total number of events rejected by validation",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_dropped_total",
			Help: "Total number of events dropped by a full queue",
		}),
		Findings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_findings_total",
			Help: "Total number of rule matches by severity",
		}, []string{"severity"}),
		AlertsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_alerts_created_total",
			Help: "Total number of alerts created",
		}),
		AlertsUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_alerts_updated_total",
			Help: "Total number of repeat updates folded into open alerts",
		}),
		AlertsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_alerts_suppressed_total",
			Help: "Total number of alert creations suppressed by the hourly cap",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_deliveries_total",
			Help: "Total number of channel deliveries by channel and result",
		}, []string{"channel", "result"}),
		RulesLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_rules_loaded",
			Help: "Number of rules in the active catalog",
		}),
	}

	if queueDepth != nil {
		m.QueueDepth = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sentinel_queue_depth",
			Help: "Current detection queue depth",
		}, queueDepth)
	}

	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
