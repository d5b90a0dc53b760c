// Package metrics exposes Prometheus collectors for the sample pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hatsync"

// Cycle outcome label values.
const (
	OutcomeSuccess      = "success"
	OutcomeNoop         = "noop"
	OutcomeSkipped      = "skipped"
	OutcomeAuthRequired = "auth_required"
	OutcomeSchemaError  = "schema_error"
	OutcomeUploadFailed = "upload_failed"
	OutcomeTableGone    = "table_gone"
	OutcomeStorage      = "storage"
	OutcomeCancelled    = "cancelled"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	synced        prometheus.Counter
	enqueued      prometheus.Counter
	dropped       prometheus.Counter
	pending       prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles that ran.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		synced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_synced_total",
			Help:      "Samples confirmed by the HAT and marked synced.",
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_enqueued_total",
			Help:      "Samples written to the local queue.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Samples rejected at ingestion or lost to storage errors.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_samples",
			Help:      "Samples waiting to be synced.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.cycles, m.cycleDuration, m.synced, m.enqueued, m.dropped, m.pending)
	}
	return m
}

// ObserveCycle counts a finished cycle. Skipped cycles carry no duration.
func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.cycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AddSynced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.synced.Add(float64(n))
}

func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
