package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshalign/alignd/internal/config"
	"github.com/meshalign/alignd/internal/engine"
	"github.com/meshalign/alignd/internal/metrics"
)

type stubStatus struct {
	snapshot engine.Status
}

func (s *stubStatus) Status() engine.Status { return s.snapshot }

func newTestServer(t *testing.T, withMetrics bool) (*Server, *stubStatus) {
	t.Helper()
	status := &stubStatus{snapshot: engine.Status{
		MediatorID:        "aabbcc",
		UptimeSeconds:     42,
		LastCycle:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		IntentsCached:     7,
		OpenSettlements:   2,
		PendingChallenges: 1,
		BreakerState:      "closed",
		ReputationWeight:  1.5,
	}}

	var handler http.Handler
	if withMetrics {
		handler = metrics.New().Handler()
	}
	srv := New(config.ServerConfig{Listen: "127.0.0.1:0"}, status, handler, nil)
	return srv, status
}

func TestHealthRoute(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["ok"])
}

func TestStatusRoute(t *testing.T) {
	srv, status := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got engine.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, status.snapshot.MediatorID, got.MediatorID)
	assert.Equal(t, status.snapshot.IntentsCached, got.IntentsCached)
	assert.Equal(t, status.snapshot.OpenSettlements, got.OpenSettlements)
	assert.Equal(t, status.snapshot.PendingChallenges, got.PendingChallenges)
	assert.Equal(t, status.snapshot.BreakerState, got.BreakerState)
	assert.InDelta(t, status.snapshot.ReputationWeight, got.ReputationWeight, 1e-9)
	assert.True(t, status.snapshot.LastCycle.Equal(got.LastCycle))
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsRouteAbsentWithoutCollector(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusRouteIsReadOnly(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
