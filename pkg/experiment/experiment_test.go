package experiment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/ordering"
	"github.com/zjucss/simsocius/pkg/quota"
	"github.com/zjucss/simsocius/pkg/scene"
	"github.com/zjucss/simsocius/pkg/simagent"
	"github.com/zjucss/simsocius/pkg/simtree"
	"github.com/zjucss/simsocius/pkg/simulator"
)

func newTestTree(t *testing.T) (*simtree.SimTree, *scene.Registry) {
	t.Helper()
	registry := scene.DefaultRegistry()
	sc, err := registry.Build("simple_chat", map[string]any{"max_turns": 4})
	require.NoError(t, err)

	sim := simulator.New(sc, ordering.NewSequential(nil), llmclient.NewRegistry(nil))
	for _, name := range []string{"alice", "bob"} {
		sim.AddAgent(simagent.New(name))
	}

	tree := simtree.New(sim, registry, llmclient.NewRegistry(nil))
	return tree, registry
}

func TestRunner_Start_CommitsOnSuccess(t *testing.T) {
	tree, _ := newTestTree(t)
	store := quota.NewMemoryStore()
	store.SetQuota("user-1", "mock", 10_000)
	ledger := quota.NewLedger(store)

	runner := New(tree, ledger, quota.NewEstimator(), llmclient.NewRegistry(nil))

	variants := []VariantSpec{
		{Label: "control", Ops: []map[string]any{{"kind": "noop"}}},
		{Label: "treatment", Ops: []map[string]any{{"kind": "noop"}}},
	}

	result, err := runner.Start(context.Background(), "run-1", "user-1", "mock", 0, 100, variants, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, result.Status)
	assert.Len(t, result.Variants, 2)

	for _, v := range result.Variants {
		assert.NoError(t, v.Err)
		assert.False(t, tree.IsRunning(v.NodeID))
	}

	row, _, err := store.Get(context.Background(), "user-1", "mock")
	require.NoError(t, err)
	assert.Equal(t, int64(200), row.TokensUsed)
	assert.Zero(t, row.TokensReserved)
}

func TestRunner_Start_QuotaDeniedStillRuns(t *testing.T) {
	tree, _ := newTestTree(t)
	store := quota.NewMemoryStore()
	store.SetQuota("user-2", "mock", 10)
	ledger := quota.NewLedger(store)

	runner := New(tree, ledger, quota.NewEstimator(), llmclient.NewRegistry(nil))

	variants := []VariantSpec{{Label: "only", Ops: nil}}
	result, err := runner.Start(context.Background(), "run-2", "user-2", "mock", 0, 1000, variants, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, result.Status)
	assert.Equal(t, true, result.ResultMeta["quota_denied"])

	row, _, err := store.Get(context.Background(), "user-2", "mock")
	require.NoError(t, err)
	assert.Zero(t, row.TokensReserved)
	assert.Zero(t, row.TokensUsed)
}

func TestRunner_Cancel_UnknownRunErrors(t *testing.T) {
	tree, _ := newTestTree(t)
	store := quota.NewMemoryStore()
	store.SetQuota("user-3", "mock", 10_000)
	ledger := quota.NewLedger(store)
	runner := New(tree, ledger, quota.NewEstimator(), llmclient.NewRegistry(nil))

	err := runner.Cancel("missing-run")
	assert.Error(t, err)
}

func TestTemplate_Variants(t *testing.T) {
	tmpl := NewTemplate("ab-test", []VariantSpec{
			{Label: "a"}, {Label: "b"},
	})
	assert.Equal(t, "ab-test", tmpl.Name)
	assert.Len(t, tmpl.Variants(), 2)
}
