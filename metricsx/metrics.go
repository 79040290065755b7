// Package metricsx exports the relayer's Prometheus metrics, grounded on
// the teacher codebase's metrics/gatherer registration style adapted from
// go-ethereum's own in-process metrics registry onto
// prometheus/client_golang's collector model, since this repo has no
// equivalent of geth's expvar-backed metrics system to reuse directly.
package metricsx

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the relayer updates. Fields are exported so
// call sites can reference them directly (e.g. m.QuoteLatency.Observe(...))
// rather than through setter methods, matching client_golang's own idiom.
type Metrics struct {
	registry *prometheus.Registry

	QuoteLatency  prometheus.Histogram
	SubmitLatency prometheus.Histogram

	QuoteOutcomes  *prometheus.CounterVec
	SubmitOutcomes *prometheus.CounterVec

	RateLimitRejections *prometheus.CounterVec

	PoolUtilization  prometheus.Gauge
	PoolHealthyCount prometheus.Gauge
	CircuitOpen      prometheus.Gauge

	LiveQuotes prometheus.Gauge
}

// New builds and registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		QuoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayer_quote_latency_seconds",
			Help:    "Latency of /v1/quote requests.",
			Buckets: prometheus.DefBuckets,
		}),
		SubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayer_submit_latency_seconds",
			Help:    "Latency of /v1/submit requests.",
			Buckets: prometheus.DefBuckets,
		}),
		QuoteOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_quote_outcomes_total",
			Help: "Quote requests by outcome code (ok, or a relayerr code).",
		}, []string{"code"}),
		SubmitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_submit_outcomes_total",
			Help: "Submit requests by outcome code (ok, or a relayerr code).",
		}, []string{"code"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_rate_limit_rejections_total",
			Help: "Rate-limit rejections by scope (ip, wallet) and event type.",
		}, []string{"scope", "event"}),
		PoolUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_pool_utilization_ratio",
			Help: "Fraction of fee payers currently counted healthy (healthy / total).",
		}),
		PoolHealthyCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_pool_healthy_payers",
			Help: "Count of fee payers not marked unhealthy.",
		}),
		CircuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_circuit_breaker_open",
			Help: "1 if the fee-payer pool circuit breaker is open, else 0.",
		}),
		LiveQuotes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_live_quotes",
			Help: "Number of unconsumed, unexpired quotes in the store.",
		}),
	}

	reg.MustRegister(
		m.QuoteLatency, m.SubmitLatency,
		m.QuoteOutcomes, m.SubmitOutcomes,
		m.RateLimitRejections,
		m.PoolUtilization, m.PoolHealthyCount, m.CircuitOpen, m.LiveQuotes,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuote records a completed /v1/quote call's latency and outcome code.
func (m *Metrics) ObserveQuote(d time.Duration, code string) {
	m.QuoteLatency.Observe(d.Seconds())
	m.QuoteOutcomes.WithLabelValues(code).Inc()
}

// ObserveSubmit records a completed /v1/submit call's latency and outcome code.
func (m *Metrics) ObserveSubmit(d time.Duration, code string) {
	m.SubmitLatency.Observe(d.Seconds())
	m.SubmitOutcomes.WithLabelValues(code).Inc()
}

// RecordRateLimitRejection increments the rejection counter for scope/event.
func (m *Metrics) RecordRateLimitRejection(scope, event string) {
	m.RateLimitRejections.WithLabelValues(scope, event).Inc()
}

// SetPoolStats updates the pool gauges from a snapshot summary.
func (m *Metrics) SetPoolStats(healthy, total int, circuitOpen bool) {
	m.PoolHealthyCount.Set(float64(healthy))
	if total > 0 {
		m.PoolUtilization.Set(float64(healthy) / float64(total))
	} else {
		m.PoolUtilization.Set(0)
	}
	if circuitOpen {
		m.CircuitOpen.Set(1)
	} else {
		m.CircuitOpen.Set(0)
	}
}

// SetLiveQuotes updates the live-quote gauge.
func (m *Metrics) SetLiveQuotes(n int) {
	m.LiveQuotes.Set(float64(n))
}
