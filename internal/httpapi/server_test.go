package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/quota"
	"github.com/zjucss/simsocius/pkg/scene"
	"github.com/zjucss/simsocius/pkg/simregistry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	registry := simregistry.New(scene.DefaultRegistry())
	ledger := quota.NewLedger(quota.NewMemoryStore())
	estimator := quota.NewEstimator()
	clients := llmclient.NewRegistry(nil)
	return New(registry, ledger, estimator, clients, nil)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleMetrics_NilMetricsServes503(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateAndFetchSimulation(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(simregistry.SimulationRecord{
			ID: "sim-1",
			SceneType: "simple_chat",
			DefaultAgentNames: []string{"alice", "bob"},
			MaxStepsPerTurn: 2,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/simulations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/simulations/sim-1/tree", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/simulations/missing/tree", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBranch(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(simregistry.SimulationRecord{
			ID: "sim-branch",
			SceneType: "simple_chat",
			DefaultAgentNames: []string{"alice", "bob"},
			MaxStepsPerTurn: 2,
	})
	req := httptest.NewRequest(http.MethodPost, "/simulations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	branchBody, _ := json.Marshal(map[string]any{"ops": []map[string]any{}})
	req = httptest.NewRequest(http.MethodPost, "/simulations/sim-branch/nodes/0/branch", bytes.NewReader(branchBody))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "node_id")
}

func TestHandleCancelExperiment_UnknownSimulation(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/simulations/missing/experiments/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
