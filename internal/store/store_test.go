package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjucss/simsocius/pkg/config"
	"github.com/zjucss/simsocius/pkg/quota"
)

func TestMemoryStore_QuotaRow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetQuota("alice", "openai", 1000)

	row, q, err := s.Get(ctx, "alice", "openai")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), q)
	assert.Equal(t, quota.Row{UserID: "alice", ProviderID: "openai"}, row)

	ok, err := s.CompareAndSwap(ctx, row, quota.Row{UserID: "alice", ProviderID: "openai", TokensUsed: 50})
	require.NoError(t, err)
	assert.True(t, ok)

	row, _, err = s.Get(ctx, "alice", "openai")
	require.NoError(t, err)
	assert.Equal(t, int64(50), row.TokensUsed)

	ok, err = s.CompareAndSwap(ctx, quota.Row{UserID: "alice", ProviderID: "openai"}, quota.Row{UserID: "alice", ProviderID: "openai", TokensUsed: 999})
	require.NoError(t, err)
	assert.False(t, ok, "stale prior row should fail the swap")
}

func TestMemoryStore_SimulationBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LoadSimulation(ctx, "missing")
	assert.Error(t, err)

	data := map[string]any{"root": 0.0, "next_id": 1.0}
	require.NoError(t, s.SaveSimulation(ctx, "sim-1", data))

	got, err := s.LoadSimulation(ctx, "sim-1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.DeleteSimulation(ctx, "sim-1"))
	_, err = s.LoadSimulation(ctx, "sim-1")
	assert.Error(t, err)
}

func TestMemoryStore_ExperimentRunBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	result := map[string]any{"status": "finished", "variant_count": 2.0}
	require.NoError(t, s.SaveExperimentRun(ctx, "run-1", result))

	got, err := s.LoadExperimentRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, result, got)
}

func TestNew_MemoryBackend(t *testing.T) {
	s, err := New(config.StoreConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, s)
}
