// Package query implements the Query Engine (C8): filtered/paginated node
// listing, structural hierarchy queries, and integrity validation.
//
// Grounded on the teacher's apoc/algo graph-walk helpers (BFS/recursion
// shape) adapted onto SQL recursive CTEs, which is how other_examples'
// agentic-research-mache graph store expresses the same ancestor/descendant
// queries over a relational table.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/conn"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/graphrepo"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/txn"
)

// Engine answers read-mostly structural and listing queries.
type Engine struct {
	c   *conn.Conn
	mgr *txn.Manager
}

// New creates an Engine over c, using mgr only for validate_and_fix writes.
func New(c *conn.Conn, mgr *txn.Manager) *Engine {
	return &Engine{c: c, mgr: mgr}
}

// Filter narrows ListNodes (spec §4.8's compound predicate). Zero-value
// fields are not applied.
type Filter struct {
	NodeType      graph.NodeType
	OwnerIDs      []string
	IsSystemNode  *bool
	DocType       string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	// HasChildren/HasReferences, when non-nil, restrict to nodes that do or
	// do not appear as a hierarchy parent / reference source respectively.
	HasChildren   *bool
	HasReferences *bool
}

// sortColumns is the §4.8 allow-listed sort_by column set; any other value
// is rejected rather than interpolated into SQL.
var sortColumns = map[string]struct{}{
	"id": {}, "name": {}, "content": {}, "created_at": {}, "updated_at": {}, "node_type": {},
}

// Page controls ListNodes pagination. The zero value is Page=1, PageSize=100,
// sorted by id ascending.
type Page struct {
	Page          int
	PageSize      int
	SortBy        string
	SortDirection string
}

// PagedResult is the §4.8 list_nodes response shape.
type PagedResult struct {
	Data       []graph.Node
	Page       int
	PageSize   int
	TotalItems int64
	TotalPages int64
	HasNext    bool
	HasPrev    bool
}

// ListNodes returns a filtered, paginated page of nodes.
func (e *Engine) ListNodes(ctx context.Context, f Filter, p Page) (PagedResult, error) {
	where, args := f.whereClause()

	page := p.Page
	if page < 1 {
		page = 1
	}
	pageSize := p.PageSize
	if pageSize < 1 {
		pageSize = 100
	}

	sortBy := p.SortBy
	if sortBy == "" {
		sortBy = "id"
	}
	if _, ok := sortColumns[sortBy]; !ok {
		return PagedResult{}, graph.Validation("sort_by", "allow_listed", sortBy)
	}
	direction := strings.ToUpper(p.SortDirection)
	if direction == "" {
		direction = "ASC"
	}
	if direction != "ASC" && direction != "DESC" {
		return PagedResult{}, graph.Validation("sort_direction", "enum", p.SortDirection)
	}

	total, err := e.countNodes(ctx, where, args)
	if err != nil {
		return PagedResult{}, err
	}

	q := `SELECT id, name, content, doc_type, owner_id, created_at, updated_at, node_type, is_system_node, fields_json, metadata_json FROM nodes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", sortBy, direction)
	pageArgs := append(append([]any{}, args...), pageSize, (page-1)*pageSize)

	data, err := e.queryNodes(ctx, q, pageArgs...)
	if err != nil {
		return PagedResult{}, err
	}

	totalPages := total / int64(pageSize)
	if total%int64(pageSize) != 0 {
		totalPages++
	}

	return PagedResult{
		Data:       data,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: totalPages,
		HasNext:    int64(page) < totalPages,
		HasPrev:    page > 1,
	}, nil
}

func (e *Engine) countNodes(ctx context.Context, where []string, args []any) (int64, error) {
	q := `SELECT COUNT(*) FROM nodes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	var count int64
	if err := e.c.QueryRow(ctx, q, args...).Scan(&count); err != nil {
		return 0, graph.Internal("count nodes", err)
	}
	return count, nil
}

func (f Filter) whereClause() ([]string, []any) {
	var where []string
	var args []any

	if f.NodeType != "" {
		where = append(where, "node_type = ?")
		args = append(args, string(f.NodeType))
	}
	if len(f.OwnerIDs) > 0 {
		placeholders := make([]string, len(f.OwnerIDs))
		for i, id := range f.OwnerIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "owner_id IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.IsSystemNode != nil {
		where = append(where, "is_system_node = ?")
		args = append(args, boolToInt(*f.IsSystemNode))
	}
	if f.DocType != "" {
		where = append(where, "doc_type = ?")
		args = append(args, f.DocType)
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at > ?")
		args = append(args, f.CreatedAfter.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedBefore.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	if f.HasChildren != nil {
		if *f.HasChildren {
			where = append(where, "id IN (SELECT DISTINCT parent_id FROM hierarchy_edges)")
		} else {
			where = append(where, "id NOT IN (SELECT DISTINCT parent_id FROM hierarchy_edges)")
		}
	}
	if f.HasReferences != nil {
		if *f.HasReferences {
			where = append(where, "id IN (SELECT DISTINCT source_id FROM node_references)")
		} else {
			where = append(where, "id NOT IN (SELECT DISTINCT source_id FROM node_references)")
		}
	}
	return where, args
}

func (e *Engine) queryNodes(ctx context.Context, q string, args ...any) ([]graph.Node, error) {
	rows, err := e.c.Query(ctx, q, args...)
	if err != nil {
		return nil, graph.Internal("list nodes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []graph.Node
	for rows.Next() {
		n, err := graphrepo.ScanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetChildren returns direct children of parentID, ordered by position.
func (e *Engine) GetChildren(ctx context.Context, parentID string) ([]graph.Node, error) {
	return e.queryNodes(ctx, `
SELECT n.id, n.name, n.content, n.doc_type, n.owner_id, n.created_at, n.updated_at, n.node_type, n.is_system_node, n.fields_json, n.metadata_json
FROM nodes n JOIN hierarchy_edges h ON h.child_id = n.id
WHERE h.parent_id = ? ORDER BY h.position`, parentID)
}

// GetParents returns every direct parent of childID (a node may have more
// than one, §3 allows a DAG of hierarchy edges beyond a single tree).
func (e *Engine) GetParents(ctx context.Context, childID string) ([]graph.Node, error) {
	return e.queryNodes(ctx, `
SELECT n.id, n.name, n.content, n.doc_type, n.owner_id, n.created_at, n.updated_at, n.node_type, n.is_system_node, n.fields_json, n.metadata_json
FROM nodes n JOIN hierarchy_edges h ON h.parent_id = n.id
WHERE h.child_id = ?`, childID)
}

// GetAncestors returns every transitive parent of nodeID, nearest first.
func (e *Engine) GetAncestors(ctx context.Context, nodeID string) ([]graph.Node, error) {
	return e.queryNodes(ctx, `
WITH RECURSIVE up(id, depth) AS (
	SELECT parent_id, 1 FROM hierarchy_edges WHERE child_id = ?
	UNION
	SELECT h.parent_id, up.depth + 1 FROM hierarchy_edges h JOIN up ON h.child_id = up.id
)
SELECT n.id, n.name, n.content, n.doc_type, n.owner_id, n.created_at, n.updated_at, n.node_type, n.is_system_node, n.fields_json, n.metadata_json
FROM nodes n JOIN up ON up.id = n.id ORDER BY up.depth`, nodeID)
}

// GetDescendants returns every transitive child of nodeID, nearest first.
func (e *Engine) GetDescendants(ctx context.Context, nodeID string) ([]graph.Node, error) {
	return e.queryNodes(ctx, `
WITH RECURSIVE down(id, depth) AS (
	SELECT child_id, 1 FROM hierarchy_edges WHERE parent_id = ?
	UNION
	SELECT h.child_id, down.depth + 1 FROM hierarchy_edges h JOIN down ON h.parent_id = down.id
)
SELECT n.id, n.name, n.content, n.doc_type, n.owner_id, n.created_at, n.updated_at, n.node_type, n.is_system_node, n.fields_json, n.metadata_json
FROM nodes n JOIN down ON down.id = n.id ORDER BY down.depth`, nodeID)
}

// Subtree is the §4.8 get_subtree response shape: nodeID plus every
// descendant, and the hierarchy edges connecting them.
type Subtree struct {
	Nodes []graph.Node
	Edges []graph.HierarchyEdge
}

// GetSubtree returns nodeID itself plus every descendant, with the edges
// that connect them.
func (e *Engine) GetSubtree(ctx context.Context, nodeID string) (Subtree, error) {
	self, err := e.queryNodes(ctx, `
SELECT id, name, content, doc_type, owner_id, created_at, updated_at, node_type, is_system_node, fields_json, metadata_json
FROM nodes WHERE id = ?`, nodeID)
	if err != nil {
		return Subtree{}, err
	}
	descendants, err := e.GetDescendants(ctx, nodeID)
	if err != nil {
		return Subtree{}, err
	}
	nodes := append(self, descendants...)

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	edges, err := e.subtreeEdges(ctx, ids)
	if err != nil {
		return Subtree{}, err
	}
	return Subtree{Nodes: nodes, Edges: edges}, nil
}

func (e *Engine) subtreeEdges(ctx context.Context, ids []string) ([]graph.HierarchyEdge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)*2)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	in := "(" + strings.Join(placeholders, ",") + ")"
	args = append(args, args...)

	rows, err := e.c.Query(ctx, `
SELECT parent_id, child_id, position FROM hierarchy_edges
WHERE parent_id IN `+in+` AND child_id IN `+in, args...)
	if err != nil {
		return nil, graph.Internal("scan subtree edges", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []graph.HierarchyEdge
	for rows.Next() {
		var edge graph.HierarchyEdge
		if err := rows.Scan(&edge.ParentID, &edge.ChildID, &edge.Position); err != nil {
			return nil, graph.Internal("scan subtree edge row", err)
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// GetSiblings returns the other children sharing any parent with nodeID.
func (e *Engine) GetSiblings(ctx context.Context, nodeID string) ([]graph.Node, error) {
	return e.queryNodes(ctx, `
SELECT DISTINCT n.id, n.name, n.content, n.doc_type, n.owner_id, n.created_at, n.updated_at, n.node_type, n.is_system_node, n.fields_json, n.metadata_json
FROM nodes n
JOIN hierarchy_edges sib ON sib.child_id = n.id
WHERE sib.parent_id IN (SELECT parent_id FROM hierarchy_edges WHERE child_id = ?)
AND n.id != ?
ORDER BY n.id`, nodeID, nodeID)
}

// GetRootNodes returns every node with no parent edge.
func (e *Engine) GetRootNodes(ctx context.Context) ([]graph.Node, error) {
	return e.queryNodes(ctx, `
SELECT id, name, content, doc_type, owner_id, created_at, updated_at, node_type, is_system_node, fields_json, metadata_json
FROM nodes WHERE id NOT IN (SELECT DISTINCT child_id FROM hierarchy_edges) ORDER BY id`)
}

// GetLeafNodes returns every node with no child edge.
func (e *Engine) GetLeafNodes(ctx context.Context) ([]graph.Node, error) {
	return e.queryNodes(ctx, `
SELECT id, name, content, doc_type, owner_id, created_at, updated_at, node_type, is_system_node, fields_json, metadata_json
FROM nodes WHERE id NOT IN (SELECT DISTINCT parent_id FROM hierarchy_edges) ORDER BY id`)
}

// IntegrityIssue describes one structural inconsistency found by
// ValidateIntegrity.
type IntegrityIssue struct {
	Kind     graph.ConstraintKind
	EntityID string
	Detail   string
}

// ValidateIntegrity scans for dangling hierarchy edges, duplicate edges,
// directed cycles, duplicate positions per parent, dangling references,
// and node_stats rows with no matching node. Gaps in a parent's position
// sequence are not reported.
func (e *Engine) ValidateIntegrity(ctx context.Context) ([]IntegrityIssue, error) {
	var issues []IntegrityIssue

	dangling, err := e.danglingEdges(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, dangling...)

	dupEdges, err := e.duplicateEdges(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, dupEdges...)

	cycles, err := e.directedCycles(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, cycles...)

	danglingRefs, err := e.danglingReferences(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, danglingRefs...)

	dupPositions, err := e.duplicatePositions(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, dupPositions...)

	orphanStats, err := e.orphanedStats(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, orphanStats...)

	sort.Slice(issues, func(i, j int) bool { return issues[i].EntityID < issues[j].EntityID })
	return issues, nil
}

// duplicateEdges reports parent/child pairs appearing more than once. The
// hierarchy_edges primary key already forbids this at insert time; this
// check exists for data that predates that constraint or arrived through
// a direct migration, mirroring duplicatePositions below.
func (e *Engine) duplicateEdges(ctx context.Context) ([]IntegrityIssue, error) {
	rows, err := e.c.Query(ctx, `
SELECT parent_id, child_id, COUNT(*) c FROM hierarchy_edges GROUP BY parent_id, child_id HAVING c > 1`)
	if err != nil {
		return nil, graph.Internal("scan duplicate edges", err)
	}
	defer func() { _ = rows.Close() }()
	var issues []IntegrityIssue
	for rows.Next() {
		var parent, child string
		var count int
		if err := rows.Scan(&parent, &child, &count); err != nil {
			return nil, graph.Internal("scan duplicate edge row", err)
		}
		issues = append(issues, IntegrityIssue{Kind: graph.ConstraintUnique, EntityID: parent + "->" + child, Detail: fmt.Sprintf("edge duplicated %d times", count)})
	}
	return issues, rows.Err()
}

// directedCycles reports one issue per node that is its own ancestor.
// CreateHierarchyEdgeTx already rejects the insert that would create a
// cycle, so this only fires against data written outside that path (a
// restored backup, a direct migration); validate_and_fix reports it without
// mutating since breaking a cycle requires caller policy on which edge to
// drop.
func (e *Engine) directedCycles(ctx context.Context) ([]IntegrityIssue, error) {
	rows, err := e.c.Query(ctx, `
WITH RECURSIVE reach(start_id, id) AS (
	SELECT parent_id, child_id FROM hierarchy_edges
	UNION
	SELECT reach.start_id, h.child_id FROM hierarchy_edges h JOIN reach ON h.parent_id = reach.id
)
SELECT DISTINCT start_id FROM reach WHERE id = start_id`)
	if err != nil {
		return nil, graph.Internal("scan directed cycles", err)
	}
	defer func() { _ = rows.Close() }()
	var issues []IntegrityIssue
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, graph.Internal("scan cycle row", err)
		}
		issues = append(issues, IntegrityIssue{Kind: graph.ConstraintCycle, EntityID: id, Detail: "node is its own hierarchy ancestor"})
	}
	return issues, rows.Err()
}

func (e *Engine) danglingEdges(ctx context.Context) ([]IntegrityIssue, error) {
	rows, err := e.c.Query(ctx, `
SELECT parent_id, child_id FROM hierarchy_edges
WHERE parent_id NOT IN (SELECT id FROM nodes) OR child_id NOT IN (SELECT id FROM nodes)`)
	if err != nil {
		return nil, graph.Internal("scan dangling edges", err)
	}
	defer func() { _ = rows.Close() }()
	var issues []IntegrityIssue
	for rows.Next() {
		var p, c string
		if err := rows.Scan(&p, &c); err != nil {
			return nil, graph.Internal("scan dangling edge row", err)
		}
		issues = append(issues, IntegrityIssue{Kind: graph.ConstraintOrphan, EntityID: p + "->" + c, Detail: "hierarchy edge references a missing node"})
	}
	return issues, rows.Err()
}

func (e *Engine) danglingReferences(ctx context.Context) ([]IntegrityIssue, error) {
	rows, err := e.c.Query(ctx, `
SELECT source_id, target_id FROM node_references
WHERE source_id NOT IN (SELECT id FROM nodes) OR target_id NOT IN (SELECT id FROM nodes)`)
	if err != nil {
		return nil, graph.Internal("scan dangling references", err)
	}
	defer func() { _ = rows.Close() }()
	var issues []IntegrityIssue
	for rows.Next() {
		var s, t string
		if err := rows.Scan(&s, &t); err != nil {
			return nil, graph.Internal("scan dangling reference row", err)
		}
		issues = append(issues, IntegrityIssue{Kind: graph.ConstraintOrphan, EntityID: s + "->" + t, Detail: "reference points at a missing node"})
	}
	return issues, rows.Err()
}

func (e *Engine) duplicatePositions(ctx context.Context) ([]IntegrityIssue, error) {
	rows, err := e.c.Query(ctx, `
SELECT parent_id, position, COUNT(*) c FROM hierarchy_edges GROUP BY parent_id, position HAVING c > 1`)
	if err != nil {
		return nil, graph.Internal("scan duplicate positions", err)
	}
	defer func() { _ = rows.Close() }()
	var issues []IntegrityIssue
	for rows.Next() {
		var parent string
		var pos, count int
		if err := rows.Scan(&parent, &pos, &count); err != nil {
			return nil, graph.Internal("scan duplicate position row", err)
		}
		issues = append(issues, IntegrityIssue{Kind: graph.ConstraintUnique, EntityID: parent, Detail: fmt.Sprintf("position %d duplicated %d times", pos, count)})
	}
	return issues, rows.Err()
}

func (e *Engine) orphanedStats(ctx context.Context) ([]IntegrityIssue, error) {
	rows, err := e.c.Query(ctx, `SELECT node_id FROM node_stats WHERE node_id NOT IN (SELECT id FROM nodes)`)
	if err != nil {
		return nil, graph.Internal("scan orphaned stats", err)
	}
	defer func() { _ = rows.Close() }()
	var issues []IntegrityIssue
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, graph.Internal("scan orphaned stats row", err)
		}
		issues = append(issues, IntegrityIssue{Kind: graph.ConstraintOrphan, EntityID: id, Detail: "node_stats row has no matching node"})
	}
	return issues, rows.Err()
}

// ValidateAndFix runs ValidateIntegrity and repairs what §4.8 says is safe:
// dangling edges/references and orphaned stats rows are deleted, duplicate
// edges are collapsed, duplicate sibling positions are compacted. Directed
// cycles are reported only — breaking one requires caller policy on which
// edge to drop. Returns the issues found before the fix.
func (e *Engine) ValidateAndFix(ctx context.Context) ([]IntegrityIssue, error) {
	issues, err := e.ValidateIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return issues, nil
	}

	err = e.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		if _, err := t.Run(ctx, `DELETE FROM hierarchy_edges WHERE parent_id NOT IN (SELECT id FROM nodes) OR child_id NOT IN (SELECT id FROM nodes)`); err != nil {
			return err
		}
		if _, err := t.Run(ctx, `DELETE FROM hierarchy_edges WHERE rowid NOT IN (SELECT MIN(rowid) FROM hierarchy_edges GROUP BY parent_id, child_id)`); err != nil {
			return err
		}
		if _, err := t.Run(ctx, `DELETE FROM node_references WHERE source_id NOT IN (SELECT id FROM nodes) OR target_id NOT IN (SELECT id FROM nodes)`); err != nil {
			return err
		}
		if _, err := t.Run(ctx, `DELETE FROM node_stats WHERE node_id NOT IN (SELECT id FROM nodes)`); err != nil {
			return err
		}

		parents, err := distinctParents(ctx, t)
		if err != nil {
			return err
		}
		for _, p := range parents {
			if err := graphrepo.CompactPositionsTx(ctx, t, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return issues, err
	}
	return issues, nil
}

func distinctParents(ctx context.Context, t *txn.Transaction) ([]string, error) {
	rows, err := t.Query(ctx, `SELECT DISTINCT parent_id FROM hierarchy_edges`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var parents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, graph.Internal("scan parent", err)
		}
		parents = append(parents, p)
	}
	return parents, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
