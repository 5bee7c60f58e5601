package obs

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_DisabledReturnsNil(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = NewMetrics(&MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestNilMetrics_RecordMethodsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTurn(1)
		m.RecordStep(1, "alice")
		m.RecordEvent("message")
		m.SetNodeCount(3)
		m.SetRunningNodes(1)
		m.RecordRun("finished", 1.5)
		m.RecordVariant("ok")
	})
	assert.Nil(t, m.Registry())
}

func TestNilMetrics_HandlerServes503(t *testing.T) {
	var m *Metrics
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
}

func TestMetrics_RecordAndScrape(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordTurn(0)
	m.RecordStep(0, "alice")
	m.RecordEvent("message")
	m.SetNodeCount(2)
	m.SetRunningNodes(1)
	m.RecordRun("finished", 0.25)
	m.RecordVariant("ok")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "simsocius_simulator_turns_total")
	assert.Contains(t, body, "simsocius_simtree_node_count")
	assert.Contains(t, body, "simsocius_experiment_runs_total")
}

func TestInitGlobalTracer_DisabledIsNoop(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, tp)

	ctx, span := StartTurnSpan(context.Background(), 1, 1)
	assert.NotNil(t, ctx)
	span.End()
}
