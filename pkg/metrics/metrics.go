// Package metrics provides Prometheus metrics for the prediction engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics collects and exposes serving, shadow, calibration and
// arbitrage metrics.
type EngineMetrics struct {
	registry *prometheus.Registry

	// Serving metrics
	PredictionsTotal  *prometheus.CounterVec
	PredictionLatency *prometheus.HistogramVec
	PredictionErrors  *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	CacheEvictions    prometheus.Counter

	// Shadow evaluation metrics
	ShadowLogged      prometheus.Counter
	ShadowDropped     prometheus.Counter
	ShadowRetries     prometheus.Counter
	ShadowKLUndefined prometheus.Counter
	ShadowL1          prometheus.Histogram

	// Registry metrics
	PromotionsTotal *prometheus.CounterVec

	// Calibration metrics
	CalibrationEvents *prometheus.CounterVec
	RollingAccuracy   *prometheus.GaugeVec
	ECE               *prometheus.GaugeVec
	GateBreaches      *prometheus.CounterVec

	// Arbitrage metrics
	OpportunitiesTotal *prometheus.CounterVec
	OpportunityProfit  prometheus.Histogram
	StaleQuotes        prometheus.Counter
}

// NewEngineMetrics creates a new metrics collector with its own registry.
func NewEngineMetrics() *EngineMetrics {
	registry := prometheus.NewRegistry()

	m := &EngineMetrics{
		registry: registry,

		PredictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictd_predictions_total",
				Help: "Total prediction requests served",
			},
			[]string{"bucket", "model_version"},
		),
		PredictionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "predictd_prediction_latency_seconds",
				Help:    "Prediction serve latency",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
			},
			[]string{"source"},
		),
		PredictionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictd_prediction_errors_total",
				Help: "Prediction requests failed",
			},
			[]string{"reason"},
		),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictd_cache_hits_total",
			Help: "Prediction cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictd_cache_misses_total",
			Help: "Prediction cache misses (expired or absent)",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictd_cache_evictions_total",
			Help: "Expired cache entries purged",
		}),

		ShadowLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictd_shadow_logged_total",
			Help: "Shadow comparison entries written",
		}),
		ShadowDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictd_shadow_dropped_total",
			Help: "Shadow entries dropped (queue overflow or retries exhausted)",
		}),
		ShadowRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictd_shadow_retries_total",
			Help: "Shadow log write retries",
		}),
		ShadowKLUndefined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictd_shadow_kl_undefined_total",
			Help: "Shadow comparisons where KL divergence was undefined",
		}),
		ShadowL1: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "predictd_shadow_l1_distance",
			Help:    "L1 distance between production and canary market probabilities",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001 to ~2
		}),

		PromotionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictd_promotions_total",
				Help: "Model promotions",
			},
			[]string{"model"},
		),

		CalibrationEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictd_calibration_events_total",
				Help: "Settled outcomes consumed by the calibration tracker",
			},
			[]string{"model_version"},
		),
		RollingAccuracy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "predictd_rolling_accuracy",
				Help: "Rolling argmax accuracy per model version",
			},
			[]string{"model_version"},
		),
		ECE: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "predictd_prediction_ece",
				Help: "Expected calibration error per model version",
			},
			[]string{"model_version"},
		),
		GateBreaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictd_gate_breaches_total",
				Help: "Rollout gate breaches (non-fatal alerts)",
			},
			[]string{"model_version", "gate"},
		),

		OpportunitiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictd_arbitrage_opportunities_total",
				Help: "Arbitrage opportunities detected",
			},
			[]string{"market"},
		),
		OpportunityProfit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "predictd_arbitrage_profit_pct",
			Help:    "Implied profit percentage of detected opportunities",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34},
		}),
		StaleQuotes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictd_stale_quotes_total",
			Help: "Bookmaker quotes excluded for staleness",
		}),
	}

	m.registerAll()
	return m
}

func (m *EngineMetrics) registerAll() {
	m.registry.MustRegister(
		m.PredictionsTotal,
		m.PredictionLatency,
		m.PredictionErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.ShadowLogged,
		m.ShadowDropped,
		m.ShadowRetries,
		m.ShadowKLUndefined,
		m.ShadowL1,
		m.PromotionsTotal,
		m.CalibrationEvents,
		m.RollingAccuracy,
		m.ECE,
		m.GateBreaches,
		m.OpportunitiesTotal,
		m.OpportunityProfit,
		m.StaleQuotes,
	)
}

// Registry returns the prometheus registry for the HTTP handler.
func (m *EngineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordPrediction records a served prediction.
func (m *EngineMetrics) RecordPrediction(bucket, modelVersion, source string, latencySec float64) {
	m.PredictionsTotal.WithLabelValues(bucket, modelVersion).Inc()
	m.PredictionLatency.WithLabelValues(source).Observe(latencySec)
}

// RecordShadow records a computed shadow comparison. ShadowLogged is
// incremented separately, only once the entry is durably written.
func (m *EngineMetrics) RecordShadow(l1 float64, klDefined bool) {
	m.ShadowL1.Observe(l1)
	if !klDefined {
		m.ShadowKLUndefined.Inc()
	}
}

// RecordGateBreach records a non-fatal rollout gate alert.
func (m *EngineMetrics) RecordGateBreach(modelVersion, gate string) {
	m.GateBreaches.WithLabelValues(modelVersion, gate).Inc()
}

// RecordOpportunity records a detected arbitrage opportunity.
func (m *EngineMetrics) RecordOpportunity(market string, profitPct float64) {
	m.OpportunitiesTotal.WithLabelValues(market).Inc()
	m.OpportunityProfit.Observe(profitPct)
}

// Global instance for convenience
var defaultMetrics *EngineMetrics
var once sync.Once

// Default returns the default global metrics instance.
func Default() *EngineMetrics {
	once.Do(func() {
		defaultMetrics = NewEngineMetrics()
	})
	return defaultMetrics
}
