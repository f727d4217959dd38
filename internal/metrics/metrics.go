// Package metrics exposes Prometheus collectors for the harvest pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal          *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	rateLimitDenialsTotal *prometheus.CounterVec
	pacingDelaySeconds    *prometheus.HistogramVec
	dedupHitsTotal        *prometheus.CounterVec
	normalizeLookupsTotal *prometheus.CounterVec
	sagaPhaseChangesTotal *prometheus.CounterVec
	activeSagas           prometheus.Gauge
	batchItemsTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Total outbound fetches, labeled by provider and HTTP status code.",
			},
			[]string{"provider", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of outbound fetch latencies, labeled by provider.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		)

		rateLimitDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_rate_limit_denials_total",
				Help: "Total token bucket denials, labeled by provider.",
			},
			[]string{"provider"},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_pacing_delay_seconds",
				Help:    "Histogram of jittered pacing delays applied before fetches.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		)

		dedupHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_dedup_hits_total",
				Help: "Total items skipped because the fingerprint hash was already known.",
			},
			[]string{"provider"},
		)

		normalizeLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_normalize_lookups_total",
				Help: "Ingredient normalization lookups, labeled by result (hit, negative_hit, miss, unmapped).",
			},
			[]string{"result"},
		)

		sagaPhaseChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_saga_phase_changes_total",
				Help: "Saga phase transitions, labeled by phase.",
			},
			[]string{"phase"},
		)

		activeSagas = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_sagas",
				Help: "Number of sagas currently running.",
			},
		)

		batchItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_batch_items_total",
				Help: "Batch items handled, labeled by provider and outcome (processed, skipped, failed).",
			},
			[]string{"provider", "outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one outbound fetch.
func ObserveFetch(provider string, statusCode int, duration time.Duration) {
	if fetchesTotal == nil {
		return
	}
	fetchesTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	fetchDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveRateLimitDenial counts a token bucket denial.
func ObserveRateLimitDenial(provider string) {
	if rateLimitDenialsTotal == nil {
		return
	}
	rateLimitDenialsTotal.WithLabelValues(provider).Inc()
}

// ObservePacingDelay records the jittered delay applied before a fetch.
func ObservePacingDelay(provider string, delay time.Duration) {
	if pacingDelaySeconds == nil {
		return
	}
	pacingDelaySeconds.WithLabelValues(provider).Observe(delay.Seconds())
}

// ObserveDedupHit counts an item skipped by fingerprint deduplication.
func ObserveDedupHit(provider string) {
	if dedupHitsTotal == nil {
		return
	}
	dedupHitsTotal.WithLabelValues(provider).Inc()
}

// ObserveNormalizeLookup counts one normalization cache lookup result.
func ObserveNormalizeLookup(result string) {
	if normalizeLookupsTotal == nil {
		return
	}
	normalizeLookupsTotal.WithLabelValues(result).Inc()
}

// ObservePhaseChange counts a saga phase transition.
func ObservePhaseChange(phase string) {
	if sagaPhaseChangesTotal == nil {
		return
	}
	sagaPhaseChangesTotal.WithLabelValues(phase).Inc()
}

// SagaStarted increments the active saga gauge.
func SagaStarted() {
	if activeSagas == nil {
		return
	}
	activeSagas.Inc()
}

// SagaFinished decrements the active saga gauge.
func SagaFinished() {
	if activeSagas == nil {
		return
	}
	activeSagas.Dec()
}

// ObserveBatchItem counts one batch item outcome.
func ObserveBatchItem(provider, outcome string) {
	if batchItemsTotal == nil {
		return
	}
	batchItemsTotal.WithLabelValues(provider, outcome).Inc()
}
