// Package metrics defines the gateway's Prometheus collectors.
//
// Collectors are registered on an injected registry rather than the global
// default one, so tests can build as many instances as they like. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmgateway"

// Metrics holds every collector the gateway updates.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	tokens          *prometheus.CounterVec
	cost            *prometheus.CounterVec
	healing         *prometheus.CounterVec
	inFlight        prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Gateway requests by endpoint and response status.",
		}, []string{"endpoint", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end gateway request latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"endpoint"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by provider and outcome (success or error type).",
		}, []string{"provider", "outcome"}),
		attemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Time until the upstream answered (first byte for streams).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens processed by provider and kind.",
		}, []string{"provider", "kind"}),
		cost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Computed request cost in US dollars.",
		}, []string{"provider"}),
		healing: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_healing_total",
			Help:      "Healing runs by result.",
		}, []string{"result"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently being served.",
		}),
	}
}

// Track marks a request as in flight and returns the function that records
// its completion.
func (m *Metrics) Track(endpoint string) func(status int) {
	if m == nil {
		return func(int) {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func(status int) {
		m.inFlight.Dec()
		m.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// ObserveAttempt records one upstream attempt.
func (m *Metrics) ObserveAttempt(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(provider, outcome).Inc()
	m.attemptDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// Tokens is a per-kind token count.
type Tokens struct {
	Prompt, Completion, Cached, Reasoning int
}

// AddUsage records tokens and cost served by provider.
func (m *Metrics) AddUsage(provider string, t Tokens, costUSD float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(provider, "prompt").Add(float64(t.Prompt))
	m.tokens.WithLabelValues(provider, "completion").Add(float64(t.Completion))
	m.tokens.WithLabelValues(provider, "cached").Add(float64(t.Cached))
	m.tokens.WithLabelValues(provider, "reasoning").Add(float64(t.Reasoning))
	if costUSD > 0 {
		m.cost.WithLabelValues(provider).Add(costUSD)
	}
}

// ObserveHealing records a healing run. An empty strategy means the content
// was left as it was.
func (m *Metrics) ObserveHealing(strategy string) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "unchanged"
	}
	m.healing.WithLabelValues(strategy).Inc()
}
