package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshalign/alignd/internal/chain"
	"github.com/meshalign/alignd/internal/events"
	"github.com/meshalign/alignd/internal/reputation"
	"github.com/meshalign/alignd/internal/settle"
)

func TestCycleCompletedFeedsCounters(t *testing.T) {
	m := New()

	m.CycleCompleted(events.CycleStats{
		Candidates:   5,
		Submitted:    2,
		Refusals:     1,
		Injections:   1,
		Errors:       1,
		InputTokens:  300,
		OutputTokens: 60,
		Duration:     120 * time.Millisecond,
	})
	m.CycleCompleted(events.CycleStats{Candidates: 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CyclesTotal))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.CandidatesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NegotiationsTotal.WithLabelValues("proposed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NegotiationsTotal.WithLabelValues("refused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NegotiationsTotal.WithLabelValues("injection")))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.LLMTokensTotal.WithLabelValues("input")))
	assert.Equal(t, 60.0, testutil.ToFloat64(m.LLMTokensTotal.WithLabelValues("output")))
}

func TestSettlementTransitionsCountByStatus(t *testing.T) {
	m := New()
	s := &settle.Settlement{ID: "st:1"}

	m.SettlementTransitioned(settle.Transition{ID: "st:1", To: settle.StatusAccepted}, s)
	m.SettlementTransitioned(settle.Transition{ID: "st:1", To: settle.StatusClosed}, s)
	m.SettlementTransitioned(settle.Transition{ID: "st:2", To: settle.StatusClosed}, s)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SettlementsTotal.WithLabelValues("closed")))
}

func TestReputationUpdatedSetsWeight(t *testing.T) {
	m := New()
	m.ReputationUpdated(reputation.MediatorReputation{Weight: 1.5})
	assert.Equal(t, 1.5, testutil.ToFloat64(m.ReputationWeight))
}

func TestChainObserverLabelsResults(t *testing.T) {
	m := New()
	obs := m.ChainObserver()

	obs("pending", nil, time.Millisecond)
	obs("pending", chain.Classify(chain.KindTransient, "pending", errors.New("timeout")), time.Millisecond)
	obs("submit", chain.Classify(chain.KindTerminal, "submit", errors.New("400")), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainRequestsTotal.WithLabelValues("pending", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainRequestsTotal.WithLabelValues("pending", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainRequestsTotal.WithLabelValues("submit", "terminal")))
}

func TestBreakerStateGauge(t *testing.T) {
	m := New()
	m.SetBreakerState("open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState))
	m.SetBreakerState("half-open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState))
	m.SetBreakerState("closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState))
	m.SetBreakerState("nonsense") // ignored
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.CyclesTotal.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.CyclesTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CyclesTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CyclesTotal))
}
