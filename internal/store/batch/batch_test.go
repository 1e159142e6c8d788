package batch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/batch"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/graphrepo"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/txn"
	"github.com/lisaross/tana-local-kb-sub000/internal/storetest"
	"github.com/lisaross/tana-local-kb-sub000/internal/telemetry"
)

func newEngine(t *testing.T) (*batch.Engine, *graphrepo.Repo) {
	t.Helper()
	c := storetest.OpenMemory(t)
	mgr := txn.NewManager(c, telemetry.NewBus(telemetry.NewLogger("test: ")))
	repo := graphrepo.New(c, mgr)
	return batch.New(repo, mgr, nil), repo
}

func TestRunOrdersByDependencyAndAppliesAtomically(t *testing.T) {
	eng, repo := newEngine(t)
	ctx := context.Background()
	parent := storetest.Node("parent", "Parent")
	child := storetest.Node("child", "Child")

	ops := []batch.Op{
		{ID: "edge", Kind: batch.OpCreateHierarchyEdge, Edge: &graph.HierarchyEdge{ParentID: "parent", ChildID: "child", Position: 0}, DependsOn: []string{"make-parent", "make-child"}},
		{ID: "make-child", Kind: batch.OpCreateNode, Node: &child},
		{ID: "make-parent", Kind: batch.OpCreateNode, Node: &parent},
	}

	result, err := eng.Run(ctx, ops, batch.Options{Mode: batch.ModeTransactional})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)
	assert.Equal(t, 0, result.Failed)

	got, err := repo.GetNode(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "Child", got.Name)
}

func TestRunTransactionalRollsBackWholeChunkOnFailure(t *testing.T) {
	eng, repo := newEngine(t)
	ctx := context.Background()
	ok := storetest.Node("ok", "OK")

	ops := []batch.Op{
		{ID: "good", Kind: batch.OpCreateNode, Node: &ok},
		{ID: "bad", Kind: batch.OpCreateHierarchyEdge, Edge: &graph.HierarchyEdge{ParentID: "missing-parent", ChildID: "also-missing", Position: 0}},
	}

	_, err := eng.Run(ctx, ops, batch.Options{Mode: batch.ModeTransactional})
	require.Error(t, err)

	_, err = repo.GetNode(ctx, "ok")
	require.Error(t, err, "the whole chunk including the otherwise-valid create_node must roll back")
}

func TestRunContinueOnErrorKeepsGoingPastFailures(t *testing.T) {
	eng, repo := newEngine(t)
	ctx := context.Background()
	ok := storetest.Node("ok2", "OK2")

	ops := []batch.Op{
		{ID: "good", Kind: batch.OpCreateNode, Node: &ok},
		{ID: "bad", Kind: batch.OpCreateHierarchyEdge, Edge: &graph.HierarchyEdge{ParentID: "missing", ChildID: "also-missing", Position: 0}},
	}

	result, err := eng.Run(ctx, ops, batch.Options{Mode: batch.ModeContinueOnError})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "bad", result.Errors[0].ID)

	_, err = repo.GetNode(ctx, "ok2")
	require.NoError(t, err)
}

func TestRunDeleteNodeThreadsCascadeFlag(t *testing.T) {
	eng, repo := newEngine(t)
	ctx := context.Background()
	parent := storetest.Node("parent", "Parent")
	child := storetest.Node("child", "Child")
	require.NoError(t, repo.CreateNode(ctx, parent))
	require.NoError(t, repo.CreateNode(ctx, child))
	require.NoError(t, repo.CreateHierarchyEdge(ctx, graph.HierarchyEdge{ParentID: "parent", ChildID: "child", AutoPosition: true}))

	result, err := eng.Run(ctx, []batch.Op{
		{ID: "del", Kind: batch.OpDeleteNode, NodeID: "parent", Cascade: false},
	}, batch.Options{Mode: batch.ModeContinueOnError})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed, "cascade=false must reject a delete of a node with children")

	result, err = eng.Run(ctx, []batch.Op{
		{ID: "del", Kind: batch.OpDeleteNode, NodeID: "parent", Cascade: true},
	}, batch.Options{Mode: batch.ModeContinueOnError})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	_, err = repo.GetNode(ctx, "parent")
	require.Error(t, err)
}

func TestRunMoveNodeAutoAssignsPosition(t *testing.T) {
	eng, repo := newEngine(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "child"} {
		require.NoError(t, repo.CreateNode(ctx, storetest.Node(id, id)))
	}
	require.NoError(t, repo.CreateHierarchyEdge(ctx, graph.HierarchyEdge{ParentID: "p1", ChildID: "child", AutoPosition: true}))

	result, err := eng.Run(ctx, []batch.Op{
		{ID: "move", Kind: batch.OpMoveNode, NodeID: "child", MoveParent: "p2"},
	}, batch.Options{Mode: batch.ModeTransactional})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
}

func TestRunDetectsDependencyCycle(t *testing.T) {
	eng, _ := newEngine(t)
	ops := []batch.Op{
		{ID: "a", Kind: batch.OpCreateNode, DependsOn: []string{"b"}},
		{ID: "b", Kind: batch.OpCreateNode, DependsOn: []string{"a"}},
	}

	_, err := eng.Run(context.Background(), ops, batch.Options{Mode: batch.ModeTransactional})
	require.Error(t, err)
	var gerr *graph.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, graph.KindConstraint, gerr.Kind)
	assert.Equal(t, graph.ConstraintCycle, gerr.ConstraintKind)
}
