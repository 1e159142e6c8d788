package query_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/graphrepo"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/query"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/txn"
	"github.com/lisaross/tana-local-kb-sub000/internal/storetest"
	"github.com/lisaross/tana-local-kb-sub000/internal/telemetry"
)

func newEngine(t *testing.T) (*query.Engine, *graphrepo.Repo) {
	t.Helper()
	c := storetest.OpenMemory(t)
	mgr := txn.NewManager(c, telemetry.NewBus(telemetry.NewLogger("test: ")))
	repo := graphrepo.New(c, mgr)
	return query.New(c, mgr), repo
}

func TestListNodesFiltersByOwnerAndSystemFlag(t *testing.T) {
	eng, repo := newEngine(t)
	ctx := context.Background()

	owned := storetest.Node("owned", "Owned")
	owned.OwnerID = "alice"
	sys := storetest.Node("sys", "System")
	sys.IsSystemNode = true
	require.NoError(t, repo.CreateNode(ctx, owned))
	require.NoError(t, repo.CreateNode(ctx, sys))

	result, err := eng.ListNodes(ctx, query.Filter{OwnerIDs: []string{"alice"}}, query.Page{})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "owned", result.Data[0].ID)
	assert.Equal(t, int64(1), result.TotalItems)

	isSystem := true
	result, err = eng.ListNodes(ctx, query.Filter{IsSystemNode: &isSystem}, query.Page{})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "sys", result.Data[0].ID)
}

func TestListNodesFiltersByHasChildrenAndHasReferences(t *testing.T) {
	eng, repo := newEngine(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateNode(ctx, storetest.Node("parent", "Parent")))
	require.NoError(t, repo.CreateNode(ctx, storetest.Node("child", "Child")))
	require.NoError(t, repo.CreateHierarchyEdge(ctx, graph.HierarchyEdge{ParentID: "parent", ChildID: "child", Position: 0}))
	require.NoError(t, repo.CreateReference(ctx, graph.Reference{SourceID: "child", TargetID: "parent", ReferenceType: string(graph.ReferenceMention)}))

	hasChildren := true
	result, err := eng.ListNodes(ctx, query.Filter{HasChildren: &hasChildren}, query.Page{})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "parent", result.Data[0].ID)

	hasReferences := true
	result, err = eng.ListNodes(ctx, query.Filter{HasReferences: &hasReferences}, query.Page{})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "child", result.Data[0].ID)
}

func TestListNodesPaginationContract(t *testing.T) {
	eng, repo := newEngine(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.CreateNode(ctx, storetest.Node(id, id)))
	}

	result, err := eng.ListNodes(ctx, query.Filter{}, query.Page{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Data, 2)
	assert.Equal(t, int64(3), result.TotalItems)
	assert.Equal(t, int64(2), result.TotalPages)
	assert.True(t, result.HasNext)
	assert.False(t, result.HasPrev)

	result, err = eng.ListNodes(ctx, query.Filter{}, query.Page{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.False(t, result.HasNext)
	assert.True(t, result.HasPrev)
}

func TestListNodesRejectsSortByOutsideAllowList(t *testing.T) {
	eng, _ := newEngine(t)
	_, err := eng.ListNodes(context.Background(), query.Filter{}, query.Page{SortBy: "owner_id"})
	require.Error(t, err)
	var gerr *graph.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, graph.KindValidation, gerr.Kind)
}

func TestHierarchyQueriesWalkAncestorsDescendantsAndSiblings(t *testing.T) {
	eng, repo := newEngine(t)
	ctx := context.Background()
	for _, id := range []string{"root", "a", "b", "c"} {
		require.NoError(t, repo.CreateNode(ctx, storetest.Node(id, id)))
	}
	require.NoError(t, repo.CreateHierarchyEdge(ctx, graph.HierarchyEdge{ParentID: "root", ChildID: "a", Position: 0}))
	require.NoError(t, repo.CreateHierarchyEdge(ctx, graph.HierarchyEdge{ParentID: "a", ChildID: "b", Position: 0}))
	require.NoError(t, repo.CreateHierarchyEdge(ctx, graph.HierarchyEdge{ParentID: "a", ChildID: "c", Position: 1}))

	ancestors, err := eng.GetAncestors(ctx, "b")
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, "a", ancestors[0].ID)
	assert.Equal(t, "root", ancestors[1].ID)

	descendants, err := eng.GetDescendants(ctx, "root")
	require.NoError(t, err)
	require.Len(t, descendants, 3)

	siblings, err := eng.GetSiblings(ctx, "b")
	require.NoError(t, err)
	require.Len(t, siblings, 1)
	assert.Equal(t, "c", siblings[0].ID)

	roots, err := eng.GetRootNodes(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "root", roots[0].ID)

	leaves, err := eng.GetLeafNodes(ctx)
	require.NoError(t, err)
	ids := []string{leaves[0].ID, leaves[1].ID}
	assert.ElementsMatch(t, []string{"b", "c"}, ids)

	subtree, err := eng.GetSubtree(ctx, "a")
	require.NoError(t, err)
	var subtreeIDs []string
	for _, n := range subtree.Nodes {
		subtreeIDs = append(subtreeIDs, n.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, subtreeIDs)
	require.Len(t, subtree.Edges, 2)
}

func TestValidateIntegrityFindsDanglingRowsSeededWithForeignKeysOff(t *testing.T) {
	c := storetest.OpenMemory(t)
	mgr := txn.NewManager(c, telemetry.NewBus(telemetry.NewLogger("test: ")))
	repo := graphrepo.New(c, mgr)
	eng := query.New(c, mgr)
	ctx := context.Background()

	require.NoError(t, repo.CreateNode(ctx, storetest.Node("solo", "Solo")))

	_, err := c.Run(ctx, `PRAGMA foreign_keys=OFF`)
	require.NoError(t, err)
	_, err = c.Run(ctx, `INSERT INTO hierarchy_edges (parent_id, child_id, position) VALUES ('solo', 'ghost-child', 0)`)
	require.NoError(t, err)
	_, err = c.Run(ctx, `INSERT INTO node_stats (node_id) VALUES ('ghost-stats')`)
	require.NoError(t, err)
	_, err = c.Run(ctx, `PRAGMA foreign_keys=ON`)
	require.NoError(t, err)

	issues, err := eng.ValidateIntegrity(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, issues)

	var kinds []graph.ConstraintKind
	for _, iss := range issues {
		kinds = append(kinds, iss.Kind)
	}
	assert.Contains(t, kinds, graph.ConstraintOrphan)

	fixed, err := eng.ValidateAndFix(ctx)
	require.NoError(t, err)
	assert.Equal(t, issues, fixed)

	remaining, err := eng.ValidateIntegrity(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
