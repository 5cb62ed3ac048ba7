// Package instrumentation holds the Prometheus collectors for the
// telemetry pipeline.
package instrumentation

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	TelemetryAccepted     prometheus.Counter
	TelemetryRejected     *prometheus.CounterVec
	TelemetryDeduplicated prometheus.Counter
	AlertsFired           *prometheus.CounterVec
	BatchFlushDuration    prometheus.Histogram
	BatchRows             prometheus.Histogram
	DevicesMarkedOffline  prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		TelemetryAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firstline_telemetry_accepted_total",
			Help: "Telemetry messages validated and enqueued.",
		}),
		TelemetryRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firstline_telemetry_rejected_total",
			Help: "Telemetry messages rejected before enqueue, by reason.",
		}, []string{"reason"}),
		TelemetryDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firstline_telemetry_deduplicated_total",
			Help: "Telemetry messages suppressed as redelivered duplicates.",
		}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firstline_alerts_fired_total",
			Help: "Alerts persisted by the rule evaluator, by severity.",
		}, []string{"severity"}),
		BatchFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "firstline_worker_batch_flush_seconds",
			Help:    "Wall time of one worker batch insert.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		BatchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "firstline_worker_batch_rows",
			Help:    "Rows per flushed worker batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		DevicesMarkedOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firstline_devices_marked_offline_total",
			Help: "Devices transitioned to offline by the health monitor.",
		}),
	}

	registry.MustRegister(
		m.TelemetryAccepted,
		m.TelemetryRejected,
		m.TelemetryDeduplicated,
		m.AlertsFired,
		m.BatchFlushDuration,
		m.BatchRows,
		m.DevicesMarkedOffline,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
