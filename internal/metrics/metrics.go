// Package metrics exposes service metrics in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veil-waf/veil-anomaly/internal/events"
)

const namespace = "anomaly"

// Cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Metrics owns a private registry and every collector the service updates.
type Metrics struct {
	registry *prometheus.Registry

	predictions   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	batchRows     prometheus.Histogram
	cacheLookups  *prometheus.CounterVec
	rejected      *prometheus.CounterVec
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Recorded predictions by outcome, attack type and source.",
		}, []string{"prediction", "attack_type", "source"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Latency of individual model calls.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"stage", "method"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_errors_total",
			Help:      "Failed model calls by stage.",
		}, []string{"stage"}),
		batchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_rows",
			Help:      "Rows per batch request.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by outcome.",
		}, []string{"result"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_requests_total",
			Help:      "Requests rejected before inference, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.predictions, m.stageDuration, m.stageErrors,
		m.batchRows, m.cacheLookups, m.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// TrackClients exports count as the number of live-feed clients connected
// over transport.
func (m *Metrics) TrackClients(transport string, count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "live_clients",
		Help:        "Connected live-feed clients by transport.",
		ConstLabels: prometheus.Labels{"transport": transport},
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePrediction implements events.Observer.
func (m *Metrics) ObservePrediction(p events.Prediction) {
	m.predictions.WithLabelValues(p.Prediction, p.AttackType, p.Source).Inc()
}

// ObserveBatch records the size of a batch request.
func (m *Metrics) ObserveBatch(rows int) {
	m.batchRows.Observe(float64(rows))
}

// ObserveCache records a cache lookup outcome.
func (m *Metrics) ObserveCache(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveRejected records a request rejected before inference.
func (m *Metrics) ObserveRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}
