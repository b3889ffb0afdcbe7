package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay-flow-backend/internal/models"
)

type fakeFlows struct {
	windows  []int64
	routes   []models.RouteSummary
	degraded bool
}

func (f *fakeFlows) DefaultWindowMs() int64 { return 60_000 }

func (f *fakeFlows) RouteSummaries(windowMs int64) []models.RouteSummary {
	f.windows = append(f.windows, windowMs)
	return f.routes
}

func (f *fakeFlows) DestinationFlows(windowMs int64) []models.DestinationFlow {
	f.windows = append(f.windows, windowMs)
	return []models.DestinationFlow{}
}

func (f *fakeFlows) BridgeSummaries() []models.BridgeSummary { return []models.BridgeSummary{} }

func (f *fakeFlows) SelectFlow(bridge, destination string) *models.RouteSummary {
	for i := range f.routes {
		if (bridge == models.All || f.routes[i].BridgeID == bridge) &&
			(destination == models.All || f.routes[i].Name == destination) {
			return &f.routes[i]
		}
	}
	return nil
}

func (f *fakeFlows) ReconcileFilter(filter models.FlowFilter) models.FlowFilter {
	if filter.Bridge == "Mayan" {
		filter.Bridge = models.All
	}
	return filter
}

func (f *fakeFlows) ActiveParticles(bridge, destination string) []models.DisplayParticle {
	return []models.DisplayParticle{{ID: bridge + "/" + destination}}
}

func (f *fakeFlows) Options() models.SelectorOptions {
	return models.SelectorOptions{Bridges: []string{models.All, "Relay"}, Destinations: []string{models.All}}
}

func (f *fakeFlows) FeedStatus() models.FeedStatus {
	return models.FeedStatus{Degraded: f.degraded, Feeds: []models.FeedHealth{}}
}

func (f *fakeFlows) GetStats() map[string]interface{} { return map[string]interface{}{"buffered": 1} }

type fakeCounts struct{}

func (fakeCounts) Counts() models.DailyCounts {
	return models.DailyCounts{Total: 12, PerChain: []models.DailyCount{{ChainID: 10, Count: 12}}}
}

type fakeChains struct{}

func (fakeChains) GetAllChains() []models.ChainInfo {
	return []models.ChainInfo{{ChainID: 10, Name: "Optimism", LatestBlock: 99}}
}

type fakeHistory struct {
	limit int
	err   error
}

func (f *fakeHistory) RecentTransactions(_ context.Context, limit int) ([]models.Transaction, error) {
	f.limit = limit
	return []models.Transaction{{ID: "x"}}, f.err
}

func newTestServer(flows *fakeFlows, history HistorySource) http.Handler {
	deps := Deps{Flows: flows, Counts: fakeCounts{}, Chains: fakeChains{}, History: history}
	return NewServer(DefaultConfig(), deps, zap.NewNop()).Router()
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestParseWindow(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
		err  bool
	}{
		{"", 60_000, false},
		{"60s", 60_000, false},
		{"5m", 300_000, false},
		{"30000", 30_000, false},
		{"0", 0, false},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseWindow(tc.raw, 60_000)
		if tc.err {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestRoutesHonourWindow(t *testing.T) {
	flows := &fakeFlows{routes: []models.RouteSummary{{BridgeID: "Relay", Name: "Base", TxCount: 2}}}
	h := newTestServer(flows, nil)

	rec := get(t, h, "/api/routes?window=5m")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var routes []models.RouteSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Len(t, routes, 1)
	assert.Equal(t, "Base", routes[0].Name)

	get(t, h, "/api/destinations")
	assert.Equal(t, []int64{300_000, 60_000}, flows.windows)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/routes?window=soon").Code)
}

func TestFlowReconcilesSelection(t *testing.T) {
	flows := &fakeFlows{routes: []models.RouteSummary{{BridgeID: "Relay", Name: "Base", TxCount: 2}}}
	h := newTestServer(flows, nil)

	rec := get(t, h, "/api/flow?bridge=Mayan&destination=Base")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Filter models.FlowFilter    `json:"filter"`
		Flow   *models.RouteSummary `json:"flow"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.FlowFilter{Bridge: models.All, Destination: "Base"}, body.Filter)
	require.NotNil(t, body.Flow)
	assert.Equal(t, "Base", body.Flow.Name)

	rec = get(t, h, "/api/flow?bridge=Relay&destination=Arbitrum")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"filter":{"bridge":"Relay","destination":"Arbitrum"},"flow":null}`, rec.Body.String())
}

func TestParticlesDefaultToAll(t *testing.T) {
	rec := get(t, newTestServer(&fakeFlows{}, nil), "/api/particles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"All/All"`)
}

func TestCountsAndChains(t *testing.T) {
	h := newTestServer(&fakeFlows{}, nil)

	rec := get(t, h, "/api/counts/24h")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts models.DailyCounts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, int64(12), counts.Total)

	rec = get(t, h, "/api/chains")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"latestBlock":99`)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestHistory(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, get(t, newTestServer(&fakeFlows{}, nil), "/api/history").Code)

	history := &fakeHistory{}
	h := newTestServer(&fakeFlows{}, history)
	rec := get(t, h, "/api/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.limit)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/history?limit=many").Code)

	history.err = errors.New("connection refused")
	assert.Equal(t, http.StatusBadGateway, get(t, h, "/api/history").Code)
}

func TestHealthReportsDegradedFeeds(t *testing.T) {
	flows := &fakeFlows{}
	h := newTestServer(flows, nil)
	assert.Contains(t, get(t, h, "/health").Body.String(), `"status":"ok"`)

	flows.degraded = true
	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(&fakeFlows{}, nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridgeflow_")
}
