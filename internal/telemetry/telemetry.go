package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry aggregates the service's prometheus instruments. A nil
// *Telemetry is valid and records nothing, so instrumentation points never
// need guarding.
type Telemetry struct {
	registry *prometheus.Registry

	searches     *prometheus.CounterVec
	waveDuration *prometheus.HistogramVec
	admissions   prometheus.Counter
	dropped      prometheus.Counter
	reconnects   prometheus.Counter
}

// New builds a telemetry instance with its own registry.
func New() *Telemetry {
	t := &Telemetry{registry: prometheus.NewRegistry()}

	t.searches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_searches_total",
		Help: "Provider searches by provider and outcome.",
	}, []string{"provider", "outcome"})
	t.waveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scout_wave_duration_seconds",
		Help:    "Duration of orchestration waves.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"wave"})
	t.admissions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scout_ledger_admissions_total",
		Help: "Resources admitted to conversation ledgers.",
	})
	t.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scout_ledger_dropped_total",
		Help: "Selected resources dropped at admission (capacity or duplicate).",
	})
	t.reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scout_tool_server_reconnects_total",
		Help: "Tool server session reconnections.",
	})

	t.registry.MustRegister(t.searches, t.waveDuration, t.admissions, t.dropped, t.reconnects)
	return t
}

// Handler serves the registry for a /metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RecordSearch counts one provider search with its outcome ("ok" or "error").
func (t *Telemetry) RecordSearch(provider string, err error) {
	if t == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.searches.WithLabelValues(provider, outcome).Inc()
}

// RecordWave observes the duration of one orchestration wave.
func (t *Telemetry) RecordWave(wave string, d time.Duration) {
	if t == nil {
		return
	}
	t.waveDuration.WithLabelValues(wave).Observe(d.Seconds())
}

// RecordAdmissions counts admitted and dropped selections for one pass.
func (t *Telemetry) RecordAdmissions(admitted, dropped int) {
	if t == nil {
		return
	}
	t.admissions.Add(float64(admitted))
	t.dropped.Add(float64(dropped))
}

// RecordReconnect counts one tool server reconnection.
func (t *Telemetry) RecordReconnect() {
	if t == nil {
		return
	}
	t.reconnects.Inc()
}
