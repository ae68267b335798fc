// Package metrics provides Prometheus collectors for cache, retrieval,
// classification and feedback analysis.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricCacheLookups             = "ragcache_cache_lookups_total"
	MetricCacheWrites              = "ragcache_cache_writes_total"
	MetricDegraded                 = "ragcache_degraded_total"
	MetricRerank                   = "ragcache_rerank_total"
	MetricRetrievalDuration        = "ragcache_retrieval_duration_seconds"
	MetricClassifierResults        = "ragcache_classifier_results_total"
	MetricAnalysisDuration         = "ragcache_feedback_analysis_duration_seconds"
	MetricAnalysisLastRunTimestamp = "ragcache_feedback_analysis_last_run_timestamp"
)

// Degraded components.
const (
	ComponentFastTier   = "fast_tier"
	ComponentRanking    = "ranking"
	ComponentClassifier = "classifier"
	ComponentAdjuster   = "adjuster"
)

// Metrics contains the service's Prometheus collectors.
// All methods are safe to call on a nil receiver, which records nothing.
type Metrics struct {
	cacheLookups      *prometheus.CounterVec
	cacheWrites       *prometheus.CounterVec
	degraded          *prometheus.CounterVec
	rerank            *prometheus.CounterVec
	retrievalDuration prometheus.Histogram
	classifierResults *prometheus.CounterVec
	analysisDuration  prometheus.Histogram
	analysisLastRun   prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCacheLookups,
			Help: "Cache lookups by tier and result",
		}, []string{"tier", "result"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCacheWrites,
			Help: "Cache writes by outcome",
		}, []string{"outcome"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDegraded,
			Help: "Operations that fell back because a dependency failed",
		}, []string{"component"}),
		rerank: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRerank,
			Help: "Re-ranking attempts by outcome",
		}, []string{"outcome"}),
		retrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRetrievalDuration,
			Help:    "Histogram of hybrid retrieval duration in seconds",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		classifierResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricClassifierResults,
			Help: "Feedback classifications by decision path",
		}, []string{"path"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricAnalysisDuration,
			Help:    "Histogram of full feedback analysis duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60},
		}),
		analysisLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricAnalysisLastRunTimestamp,
			Help: "Unix timestamp of the last successful feedback analysis",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cacheLookups,
		m.cacheWrites,
		m.degraded,
		m.rerank,
		m.retrievalDuration,
		m.classifierResults,
		m.analysisDuration,
		m.analysisLastRun,
	}
}

// CacheLookup records a lookup result ("hit" or "miss") for a tier.
func (m *Metrics) CacheLookup(tier, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// CacheWrite records a write outcome ("stored", "protected", "error").
func (m *Metrics) CacheWrite(outcome string) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(outcome).Inc()
}

// Degraded records a fallback taken because component failed.
func (m *Metrics) Degraded(component string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(component).Inc()
}

// Rerank records a re-ranking outcome ("applied" or "fallback").
func (m *Metrics) Rerank(outcome string) {
	if m == nil {
		return
	}
	m.rerank.WithLabelValues(outcome).Inc()
}

// ObserveRetrieval records a retrieval duration sample.
func (m *Metrics) ObserveRetrieval(seconds float64) {
	if m == nil {
		return
	}
	m.retrievalDuration.Observe(seconds)
}

// Classification records which path produced a classification.
func (m *Metrics) Classification(path string) {
	if m == nil {
		return
	}
	m.classifierResults.WithLabelValues(path).Inc()
}

// ObserveAnalysis records a completed analysis run.
func (m *Metrics) ObserveAnalysis(seconds float64, finishedUnix float64) {
	if m == nil {
		return
	}
	m.analysisDuration.Observe(seconds)
	m.analysisLastRun.Set(finishedUnix)
}
