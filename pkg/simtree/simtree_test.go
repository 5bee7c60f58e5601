package simtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/ordering"
	"github.com/zjucss/simsocius/pkg/scene"
	"github.com/zjucss/simsocius/pkg/simulator"
)

func newTestTree(t *testing.T) *SimTree {
	t.Helper()
	registry := scene.DefaultRegistry()
	sc, err := registry.Build("simple_chat", nil)
	require.NoError(t, err)
	sim := simulator.New(sc, ordering.NewSequential(nil), llmclient.NewRegistry(nil))
	return New(sim, registry, llmclient.NewRegistry(nil))
}

func TestNew_CreatesRootNode(t *testing.T) {
	tree := newTestTree(t)
	root, err := tree.Node(0)
	require.NoError(t, err)
	assert.Equal(t, -1, root.Parent)
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, "root", root.EdgeType)
	assert.True(t, root.Attached)
}

func TestBranch_CreatesAttachedChild(t *testing.T) {
	tree := newTestTree(t)
	ops := []map[string]any{{"kind": "speak"}}

	childID, err := tree.Branch(0, ops)
	require.NoError(t, err)
	assert.NotEqual(t, 0, childID)

	child, err := tree.Node(childID)
	require.NoError(t, err)
	assert.Equal(t, 0, child.Parent)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, "speak", child.EdgeType)
	assert.True(t, child.Attached)
}

func TestAttach_DuplicateFingerprintIsIdempotent(t *testing.T) {
	tree := newTestTree(t)
	ops := []map[string]any{{"kind": "speak"}}

	first, err := tree.Branch(0, ops)
	require.NoError(t, err)

	second, err := tree.Branch(0, ops)
	require.NoError(t, err)

	assert.Equal(t, first, second, "attaching identical ops under the same parent must be idempotent")
	assert.Len(t, tree.AllNodeIDs(), 2, "the duplicate speculative copy must not remain as a third node")
}

func TestBranch_DistinctOpsProduceDistinctChildren(t *testing.T) {
	tree := newTestTree(t)

	a, err := tree.Branch(0, []map[string]any{{"kind": "speak"}})
	require.NoError(t, err)
	b, err := tree.Branch(0, []map[string]any{{"kind": "wait"}})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.ElementsMatch(t, []int{0, a, b}, tree.AllNodeIDs())
}

func TestFrontier_OnlyMaxDepth(t *testing.T) {
	tree := newTestTree(t)

	child, err := tree.Branch(0, []map[string]any{{"kind": "speak"}})
	require.NoError(t, err)
	grandchild, err := tree.Branch(child, []map[string]any{{"kind": "speak"}})
	require.NoError(t, err)

	full := tree.Frontier(false)
	assert.ElementsMatch(t, []int{0, child, grandchild}, full)

	deepest := tree.Frontier(true)
	assert.Equal(t, []int{grandchild}, deepest)
}

func TestLeaves_ExcludesInternalNodes(t *testing.T) {
	tree := newTestTree(t)
	child, err := tree.Branch(0, []map[string]any{{"kind": "speak"}})
	require.NoError(t, err)

	leaves := tree.Leaves()
	assert.Equal(t, []int{child}, leaves, "root has a child so it is not a leaf")
}

func TestDeleteSubtree_RemovesDescendantsAndRefusesRoot(t *testing.T) {
	tree := newTestTree(t)
	child, err := tree.Branch(0, []map[string]any{{"kind": "speak"}})
	require.NoError(t, err)
	grandchild, err := tree.Branch(child, []map[string]any{{"kind": "speak"}})
	require.NoError(t, err)

	err = tree.DeleteSubtree(0)
	assert.ErrorIs(t, err, ErrRootDeletion)

	require.NoError(t, tree.DeleteSubtree(child))
	assert.Equal(t, []int{0}, tree.AllNodeIDs())

	_, err = tree.Node(grandchild)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestNodeSubscribers_ReceiveLoggedEvents(t *testing.T) {
	tree := newTestTree(t)
	root, err := tree.Node(0)
	require.NoError(t, err)

	ch := make(chan LoggedEvent, 4)
	tree.AddNodeSub(0, ch)

	root.Sim.Broadcast("hello", nil, nil, "", nil)

	select {
	case entry := <-ch:
		assert.Equal(t, 0, entry.NodeID)
	default:
		t.Fatal("expected a logged event to be delivered to the subscriber")
	}

	tree.RemoveNodeSub(0, ch)
	root.Sim.Broadcast("again", nil, nil, "", nil)
	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive further events")
	default:
	}
}

func TestMarkRunning_TracksRunningSet(t *testing.T) {
	tree := newTestTree(t)
	assert.False(t, tree.IsRunning(0))

	tree.MarkRunning(0)
	assert.True(t, tree.IsRunning(0))

	tree.ClearRunning(0)
	assert.False(t, tree.IsRunning(0))
}
