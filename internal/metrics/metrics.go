package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's operational counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Ingested         *prometheus.CounterVec
	ParseFailures    *prometheus.CounterVec
	Dropped          *prometheus.CounterVec
	SamplesPersisted prometheus.Counter
	AlertsEmitted    *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	FlushErrors      prometheus.Counter
	Scans            *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.Ingested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helmguard_messages_ingested_total",
		Help: "Messages accepted from each transport",
	}, []string{"source"})
	m.ParseFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helmguard_parse_failures_total",
		Help: "Payloads dropped as malformed, per transport",
	}, []string{"source"})
	m.Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helmguard_messages_dropped_total",
		Help: "Messages dropped on full channels, per transport",
	}, []string{"source"})
	m.SamplesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helmguard_samples_persisted_total",
		Help: "Telemetry samples written by the batch flush",
	})
	m.AlertsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helmguard_alerts_emitted_total",
		Help: "Alerts persisted, per type",
	}, []string{"type"})
	m.AlertsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helmguard_alerts_suppressed_total",
		Help: "Alert candidates suppressed by the debounce window",
	})
	m.FlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helmguard_flush_errors_total",
		Help: "Per-device failures during batch flush",
	})
	m.Scans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helmguard_scans_total",
		Help: "Scan attempts processed, per outcome",
	}, []string{"outcome"})

	reg.MustRegister(m.Ingested, m.ParseFailures, m.Dropped, m.SamplesPersisted,
		m.AlertsEmitted, m.AlertsSuppressed, m.FlushErrors, m.Scans)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
