// Package metrics provides Prometheus collectors for the conversion pipeline.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/desertthunder/tunegate/internal/tasks"
)

// Metrics contains every collector exported by the gateway.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	StrategyAttempts *prometheus.CounterVec
	StrategyDuration *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	PersistTotal     *prometheus.CounterVec
	GatewayOutcomes  *prometheus.CounterVec
	PoolRemaining    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the collectors and registers them on registry.
// A nil registry creates a private one.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}
	m.initMetrics()

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.StrategyAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunegate_strategy_attempts_total",
			Help: "Conversion attempts partitioned by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)
	m.StrategyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunegate_strategy_duration_seconds",
			Help:    "Time spent in a conversion strategy.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 13), // 50ms to ~3.4min
		},
		[]string{"strategy"},
	)
	m.CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunegate_cache_lookups_total",
			Help: "Artifact lookups partitioned by result (hit, miss, stale).",
		},
		[]string{"result"},
	)
	m.PersistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunegate_persist_total",
			Help: "Artifact persist operations partitioned by result (stored, reused, healed, failed).",
		},
		[]string{"result"},
	)
	m.GatewayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunegate_gateway_outcomes_total",
			Help: "Stream requests partitioned by response kind (stream, redirect, error).",
		},
		[]string{"outcome"},
	)
	m.PoolRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunegate_pool_remaining_requests",
			Help: "Requests left across active capped pool entries.",
		},
	)
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.StrategyAttempts.Describe(ch)
	m.StrategyDuration.Describe(ch)
	m.CacheLookups.Describe(ch)
	m.PersistTotal.Describe(ch)
	m.GatewayOutcomes.Describe(ch)
	ch <- m.PoolRemaining.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.StrategyAttempts.Collect(ch)
	m.StrategyDuration.Collect(ch)
	m.CacheLookups.Collect(ch)
	m.PersistTotal.Collect(ch)
	m.GatewayOutcomes.Collect(ch)
	ch <- m.PoolRemaining
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt implements [tasks.Observer].
func (m *Metrics) ObserveAttempt(a tasks.Attempt) {
	if m == nil {
		return
	}
	m.StrategyAttempts.WithLabelValues(a.Strategy, a.Outcome.String()).Inc()
	if a.Outcome != tasks.Gated {
		m.StrategyDuration.WithLabelValues(a.Strategy).Observe(a.Duration.Seconds())
	}
}

// RecordLookup counts an artifact lookup: "hit", "miss" or "stale".
func (m *Metrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordPersist counts a persist: "stored", "reused", "healed" or "failed".
func (m *Metrics) RecordPersist(result string) {
	if m == nil {
		return
	}
	m.PersistTotal.WithLabelValues(result).Inc()
}

// RecordOutcome counts a gateway response kind.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.GatewayOutcomes.WithLabelValues(outcome).Inc()
}

// SetPoolRemaining publishes the pool's remaining capped requests.
func (m *Metrics) SetPoolRemaining(n int) {
	if m == nil {
		return
	}
	m.PoolRemaining.Set(float64(n))
}
