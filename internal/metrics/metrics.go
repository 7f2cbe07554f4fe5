// Package metrics exposes the daemon's prometheus collectors. The engine
// feeds them through the events bus and the chain client's observer hook;
// the health server serves them on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshalign/alignd/internal/chain"
	"github.com/meshalign/alignd/internal/events"
	"github.com/meshalign/alignd/internal/reputation"
	"github.com/meshalign/alignd/internal/settle"
)

const namespace = "alignd"

// Metrics holds every collector on a private registry so tests can build
// as many instances as they like without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	IntentsCached      prometheus.Gauge
	CandidatesTotal    prometheus.Counter
	NegotiationsTotal  *prometheus.CounterVec
	SettlementsTotal   *prometheus.CounterVec
	OpenSettlements    prometheus.Gauge
	ChallengesTotal    *prometheus.CounterVec
	LLMTokensTotal     *prometheus.CounterVec
	LLMLatency         prometheus.Histogram
	ChainRequestsTotal *prometheus.CounterVec
	BreakerState       prometheus.Gauge
	ReputationWeight   prometheus.Gauge
}

// New builds and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Alignment cycles completed, including cycles that submitted nothing.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one alignment cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		IntentsCached: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intents_cached",
			Help:      "Pending intents currently held in the cache.",
		}),
		CandidatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Alignment candidates produced by the vector index.",
		}),
		NegotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Negotiation attempts by outcome.",
		}, []string{"outcome"}),
		SettlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement state transitions by resulting status.",
		}, []string{"status"}),
		OpenSettlements: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settlements_open",
			Help:      "Settlements currently in a non-terminal state.",
		}),
		ChallengesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Challenges this mediator submitted, by resolution.",
		}, []string{"result"}),
		LLMTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Model tokens consumed, split by direction.",
		}, []string{"direction"}),
		LLMLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "Latency of individual model calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ChainRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_requests_total",
			Help:      "Ledger operations by outcome kind.",
		}, []string{"op", "result"}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Chain circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		ReputationWeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reputation_weight",
			Help:      "This mediator's current reputation weight.",
		}),
	}
}

// Handler serves the registry for the /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CycleCompleted implements events.Observer.
func (m *Metrics) CycleCompleted(st events.CycleStats) {
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(st.Duration.Seconds())
	m.CandidatesTotal.Add(float64(st.Candidates))
	m.NegotiationsTotal.WithLabelValues("proposed").Add(float64(st.Submitted))
	m.NegotiationsTotal.WithLabelValues("refused").Add(float64(st.Refusals))
	m.NegotiationsTotal.WithLabelValues("injection").Add(float64(st.Injections))
	m.NegotiationsTotal.WithLabelValues("failed").Add(float64(st.Errors))
	m.LLMTokensTotal.WithLabelValues("input").Add(float64(st.InputTokens))
	m.LLMTokensTotal.WithLabelValues("output").Add(float64(st.OutputTokens))
}

// SettlementTransitioned implements events.Observer.
func (m *Metrics) SettlementTransitioned(tr settle.Transition, _ *settle.Settlement) {
	m.SettlementsTotal.WithLabelValues(string(tr.To)).Inc()
}

// ReputationUpdated implements events.Observer.
func (m *Metrics) ReputationUpdated(rep reputation.MediatorReputation) {
	m.ReputationWeight.Set(rep.Weight)
}

// ChainObserver adapts the chain client's per-call hook. The result label
// is "ok" or the failure kind.
func (m *Metrics) ChainObserver() func(op string, err error, elapsed time.Duration) {
	return func(op string, err error, _ time.Duration) {
		result := "ok"
		if err != nil {
			result = chain.KindOf(err).String()
		}
		m.ChainRequestsTotal.WithLabelValues(op, result).Inc()
	}
}

// ObserveLLM records one model call's latency.
func (m *Metrics) ObserveLLM(latency time.Duration) {
	m.LLMLatency.Observe(latency.Seconds())
}

// SetBreakerState translates the breaker's state name into the gauge.
func (m *Metrics) SetBreakerState(state string) {
	switch state {
	case "closed":
		m.BreakerState.Set(0)
	case "half-open":
		m.BreakerState.Set(1)
	case "open":
		m.BreakerState.Set(2)
	}
}
