// Package graphrepo implements the Graph Repository (C6): node, hierarchy
// edge, reference and import-ledger CRUD over the relational substrate,
// keeping the nodes_fts search index in sync inside the same transaction
// as every node mutation. node_stats counters are bumped on node, edge and
// reference creation and on reference deletion; moves and node deletes do
// not adjust the remaining nodes' counters.
//
// Every mutation is exposed twice: as a Repo method that opens its own
// managed transaction, and as a standalone "*Tx" function taking an
// already-open *txn.Transaction, so the Batch Engine (C7) can compose
// several mutations of different kinds into one transaction.
//
// Grounded on the teacher's graph repository layer (straga-Mimir_lite's
// storage package) and, for the SQL shape itself, on the sqlite-backed
// graph store in other_examples' agentic-research-mache (CRUD plus
// same-transaction FTS maintenance around a hand-rolled schema).
package graphrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/conn"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/txn"
)

// Repo is the Graph Repository: it owns node/edge/reference/import
// mutation and point lookups. Structural and search queries live in the
// Query/Traversal/Search engines, which read through the same Conn.
type Repo struct {
	c   *conn.Conn
	mgr *txn.Manager
}

// New creates a Repo over c, running mutations through mgr.
func New(c *conn.Conn, mgr *txn.Manager) *Repo {
	return &Repo{c: c, mgr: mgr}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func nowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

// parseRFC parses timestamps written by this package (timeLayout), falling
// back to RFC3339Nano for values written elsewhere (e.g. migrate's
// schema_version.applied_at).
func parseRFC(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// --- Node CRUD ---

// CreateNode inserts node and its nodes_fts row in one transaction.
func (r *Repo) CreateNode(ctx context.Context, node graph.Node) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		return InsertNodeTx(ctx, t, node)
	})
}

// CreateNodes inserts many nodes transactionally, rolling back entirely on
// the first failure (spec's batch "transactional" semantics, narrowed to
// the node-only case; heterogeneous batches are the Batch Engine's job).
func (r *Repo) CreateNodes(ctx context.Context, nodes []graph.Node) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		for _, n := range nodes {
			if err := InsertNodeTx(ctx, t, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertNodeTx inserts node, its node_stats row and its nodes_fts row
// inside an already-open transaction.
func InsertNodeTx(ctx context.Context, t *txn.Transaction, node graph.Node) error {
	_, err := t.Run(ctx, `
INSERT INTO nodes (id, name, content, doc_type, owner_id, created_at, updated_at, node_type, is_system_node, fields_json, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.Name, node.Content, nullable(node.DocType), nullable(node.OwnerID),
		node.CreatedAt.UTC().Format(timeLayout), node.UpdatedAt.UTC().Format(timeLayout),
		string(node.NodeType), boolToInt(node.IsSystemNode), node.FieldsJSON, node.MetadataJSON)
	if err != nil {
		return err
	}
	if _, err := t.Run(ctx, `INSERT INTO node_stats (node_id) VALUES (?)`, node.ID); err != nil {
		return err
	}
	return syncFTS(ctx, t, node)
}

func syncFTS(ctx context.Context, t *txn.Transaction, node graph.Node) error {
	if _, err := t.Run(ctx, `DELETE FROM nodes_fts WHERE id = ?`, node.ID); err != nil {
		return err
	}
	_, err := t.Run(ctx, `INSERT INTO nodes_fts (id, name, content, tags) VALUES (?, ?, ?, ?)`,
		node.ID, node.Name, node.Content, tagsOf(node))
	return err
}

// tagsOf derives the nodes_fts tags column from the fields bag's "tags"
// key, when present, as a space-joined token list.
func tagsOf(node graph.Node) string {
	var fields map[string]any
	if node.FieldsJSON == "" {
		return ""
	}
	if err := json.Unmarshal([]byte(node.FieldsJSON), &fields); err != nil {
		return ""
	}
	raw, ok := fields["tags"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case []any:
		var parts []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	case string:
		return v
	default:
		return ""
	}
}

// GetNode reads one node by id, using the read-only reader handle.
func (r *Repo) GetNode(ctx context.Context, id string) (graph.Node, error) {
	row := r.c.QueryRow(ctx, `
SELECT id, name, content, doc_type, owner_id, created_at, updated_at, node_type, is_system_node, fields_json, metadata_json
FROM nodes WHERE id = ?`, id)
	return scanNodeRow(row)
}

// ScanNode scans one nodes row in the engine's canonical column order
// (id, name, content, doc_type, owner_id, created_at, updated_at,
// node_type, is_system_node, fields_json, metadata_json). Exported so the
// Query Engine can reuse it for its own ad hoc SELECTs over the same table.
func ScanNode(rows *sql.Rows) (graph.Node, error) {
	return scanNodeRow(rows)
}

// CompactPositionsTx renumbers parentID's children to a dense 0..N-1
// permutation, exported for the Query Engine's validate_and_fix repair.
func CompactPositionsTx(ctx context.Context, t *txn.Transaction, parentID string) error {
	return compactPositions(ctx, t, parentID)
}

func scanNodeRow(row rowScanner) (graph.Node, error) {
	var n graph.Node
	var docType, ownerID sql.NullString
	var createdAt, updatedAt string
	var isSystem int
	err := row.Scan(&n.ID, &n.Name, &n.Content, &docType, &ownerID, &createdAt, &updatedAt,
		&n.NodeType, &isSystem, &n.FieldsJSON, &n.MetadataJSON)
	if err == sql.ErrNoRows {
		return graph.Node{}, graph.NotFound("node", "")
	}
	if err != nil {
		return graph.Node{}, graph.Internal("scan node", err)
	}
	n.DocType = docType.String
	n.OwnerID = ownerID.String
	n.IsSystemNode = isSystem != 0
	n.CreatedAt, _ = parseRFC(createdAt)
	n.UpdatedAt, _ = parseRFC(updatedAt)
	return n, nil
}

// UpdateNode applies a partial patch to an existing node, re-syncing FTS.
func (r *Repo) UpdateNode(ctx context.Context, id string, patch graph.NodePatch) (graph.Node, error) {
	var updated graph.Node
	err := r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		n, err := UpdateNodeTx(ctx, t, id, patch)
		if err != nil {
			return err
		}
		updated = n
		return nil
	})
	return updated, err
}

// UpdateNodeTx applies patch to node id inside an already-open transaction.
func UpdateNodeTx(ctx context.Context, t *txn.Transaction, id string, patch graph.NodePatch) (graph.Node, error) {
	existing, err := getNodeTx(ctx, t, id)
	if err != nil {
		return graph.Node{}, err
	}
	applyPatch(&existing, patch)

	_, err = t.Run(ctx, `
UPDATE nodes SET name=?, content=?, doc_type=?, owner_id=?, node_type=?, is_system_node=?, fields_json=?, metadata_json=?, updated_at=?
WHERE id=?`,
		existing.Name, existing.Content, nullable(existing.DocType), nullable(existing.OwnerID),
		string(existing.NodeType), boolToInt(existing.IsSystemNode), existing.FieldsJSON, existing.MetadataJSON,
		nowUTC(), id)
	if err != nil {
		return graph.Node{}, err
	}
	if err := syncFTS(ctx, t, existing); err != nil {
		return graph.Node{}, err
	}
	return existing, nil
}

func applyPatch(n *graph.Node, p graph.NodePatch) {
	if p.Name != nil {
		n.Name = *p.Name
	}
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.DocType != nil {
		n.DocType = *p.DocType
	}
	if p.OwnerID != nil {
		n.OwnerID = *p.OwnerID
	}
	if p.NodeType != nil {
		n.NodeType = *p.NodeType
	}
	if p.IsSystemNode != nil {
		n.IsSystemNode = *p.IsSystemNode
	}
	if p.FieldsJSON != nil {
		n.FieldsJSON = *p.FieldsJSON
	}
	if p.MetadataJSON != nil {
		n.MetadataJSON = *p.MetadataJSON
	}
}

func getNodeTx(ctx context.Context, t *txn.Transaction, id string) (graph.Node, error) {
	rows, err := t.Query(ctx, `
SELECT id, name, content, doc_type, owner_id, created_at, updated_at, node_type, is_system_node, fields_json, metadata_json
FROM nodes WHERE id = ?`, id)
	if err != nil {
		return graph.Node{}, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return graph.Node{}, graph.NotFound("node", id)
	}
	return scanNodeRow(rows)
}

// DeleteNode removes a node. When cascade is true, its hierarchy edges,
// references, stats and FTS row are removed in the same transaction and
// parent positions are compacted; when false, the delete fails if the node
// still has children or incoming references (Dependency constraint).
func (r *Repo) DeleteNode(ctx context.Context, id string, cascade bool) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		return DeleteNodeTx(ctx, t, id, cascade)
	})
}

// DeleteNodeTx removes node id inside an already-open transaction.
func DeleteNodeTx(ctx context.Context, t *txn.Transaction, id string, cascade bool) error {
	if !cascade {
		var childCount, refCount int64
		if err := scanCount(ctx, t, `SELECT COUNT(*) FROM hierarchy_edges WHERE parent_id = ?`, id, &childCount); err != nil {
			return err
		}
		if childCount > 0 {
			return graph.Constraint(graph.ConstraintDependency, "node has children")
		}
		if err := scanCount(ctx, t, `SELECT COUNT(*) FROM node_references WHERE target_id = ?`, id, &refCount); err != nil {
			return err
		}
		if refCount > 0 {
			return graph.Constraint(graph.ConstraintDependency, "node has incoming references")
		}
	}

	parents, err := parentsOf(ctx, t, id)
	if err != nil {
		return err
	}

	for _, stmt := range []string{
		`DELETE FROM hierarchy_edges WHERE parent_id = ? OR child_id = ?`,
		`DELETE FROM node_references WHERE source_id = ? OR target_id = ?`,
	} {
		if _, err := t.Run(ctx, stmt, id, id); err != nil {
			return err
		}
	}
	if _, err := t.Run(ctx, `DELETE FROM node_stats WHERE node_id = ?`, id); err != nil {
		return err
	}
	if _, err := t.Run(ctx, `DELETE FROM nodes_fts WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := t.Run(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return err
	}

	for _, p := range parents {
		if err := compactPositions(ctx, t, p); err != nil {
			return err
		}
	}
	return nil
}

func parentsOf(ctx context.Context, t *txn.Transaction, childID string) ([]string, error) {
	rows, err := t.Query(ctx, `SELECT DISTINCT parent_id FROM hierarchy_edges WHERE child_id = ?`, childID)
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

func scanCount(ctx context.Context, t *txn.Transaction, query, arg string, out *int64) error {
	rows, err := t.Query(ctx, query, arg)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	if rows.Next() {
		return rows.Scan(out)
	}
	return nil
}

// --- Hierarchy edges ---

// CreateHierarchyEdge links parent->child at position, rejecting a cycle
// (child is already an ancestor of parent) via a recursive ancestor walk.
func (r *Repo) CreateHierarchyEdge(ctx context.Context, edge graph.HierarchyEdge) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		return CreateHierarchyEdgeTx(ctx, t, edge)
	})
}

// CreateHierarchyEdgeTx inserts edge inside an already-open transaction. When
// edge.AutoPosition is set, the child is appended at max_position+1 under
// the parent; otherwise edge.Position is used literally and any sibling
// already occupying it (or after it) is pushed by +1 to make room.
func CreateHierarchyEdgeTx(ctx context.Context, t *txn.Transaction, edge graph.HierarchyEdge) error {
	if edge.ParentID == edge.ChildID {
		return graph.Constraint(graph.ConstraintCycle, "self-reference")
	}
	isCycle, err := wouldCycle(ctx, t, edge.ParentID, edge.ChildID)
	if err != nil {
		return err
	}
	if isCycle {
		return graph.Constraint(graph.ConstraintCycle, fmt.Sprintf("%s is already an ancestor of %s", edge.ChildID, edge.ParentID))
	}

	position := edge.Position
	if edge.AutoPosition {
		position, err = nextPosition(ctx, t, edge.ParentID)
		if err != nil {
			return err
		}
	} else if err := shiftSiblingsFrom(ctx, t, edge.ParentID, position); err != nil {
		return err
	}

	_, err = t.Run(ctx, `INSERT INTO hierarchy_edges (parent_id, child_id, position) VALUES (?, ?, ?)`,
		edge.ParentID, edge.ChildID, position)
	if err != nil {
		return err
	}
	_, err = t.Run(ctx, `UPDATE node_stats SET direct_child_count = direct_child_count + 1 WHERE node_id = ?`, edge.ParentID)
	return err
}

// nextPosition returns one past parentID's highest existing sibling
// position (0 if it has none yet).
func nextPosition(ctx context.Context, t *txn.Transaction, parentID string) (int, error) {
	rows, err := t.Query(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM hierarchy_edges WHERE parent_id = ?`, parentID)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()
	var next int
	if rows.Next() {
		if err := rows.Scan(&next); err != nil {
			return 0, graph.Internal("scan next position", err)
		}
	}
	return next, rows.Err()
}

// shiftSiblingsFrom pushes every child of parentID at position >= from by
// +1, processing the highest position first so each write lands on a slot
// already vacated by the previous one (the unique (parent_id, position)
// index would otherwise reject a naive ascending bulk update).
func shiftSiblingsFrom(ctx context.Context, t *txn.Transaction, parentID string, from int) error {
	rows, err := t.Query(ctx, `SELECT child_id, position FROM hierarchy_edges WHERE parent_id = ? AND position >= ? ORDER BY position DESC`, parentID, from)
	if err != nil {
		return err
	}
	type sibling struct {
		childID  string
		position int
	}
	var siblings []sibling
	for rows.Next() {
		var s sibling
		if err := rows.Scan(&s.childID, &s.position); err != nil {
			_ = rows.Close()
			return graph.Internal("scan sibling position", err)
		}
		siblings = append(siblings, s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, s := range siblings {
		if _, err := t.Run(ctx, `UPDATE hierarchy_edges SET position = ? WHERE parent_id = ? AND child_id = ?`, s.position+1, parentID, s.childID); err != nil {
			return err
		}
	}
	return nil
}

// wouldCycle reports whether inserting parentID -> childID would create a
// cycle, i.e. whether childID is already an ancestor of parentID.
func wouldCycle(ctx context.Context, t *txn.Transaction, parentID, childID string) (bool, error) {
	rows, err := t.Query(ctx, `
WITH RECURSIVE ancestors(id) AS (
	SELECT parent_id FROM hierarchy_edges WHERE child_id = ?
	UNION
	SELECT h.parent_id FROM hierarchy_edges h JOIN ancestors a ON h.child_id = a.id
)
SELECT 1 FROM ancestors WHERE id = ? LIMIT 1`, parentID, childID)
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()
	return rows.Next(), rows.Err()
}

// MoveNode reparents childID under newParentID, auto-assigning it the next
// position there and compacting positions under the old parent(s).
func (r *Repo) MoveNode(ctx context.Context, childID, newParentID string) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		return MoveNodeTx(ctx, t, childID, newParentID)
	})
}

// MoveNodeTx reparents childID inside an already-open transaction.
func MoveNodeTx(ctx context.Context, t *txn.Transaction, childID, newParentID string) error {
	oldParents, err := parentsOf(ctx, t, childID)
	if err != nil {
		return err
	}
	isCycle, err := wouldCycle(ctx, t, newParentID, childID)
	if err != nil {
		return err
	}
	if isCycle || newParentID == childID {
		return graph.Constraint(graph.ConstraintCycle, "move would create a cycle")
	}
	if _, err := t.Run(ctx, `DELETE FROM hierarchy_edges WHERE child_id = ?`, childID); err != nil {
		return err
	}
	position, err := nextPosition(ctx, t, newParentID)
	if err != nil {
		return err
	}
	if _, err := t.Run(ctx, `INSERT INTO hierarchy_edges (parent_id, child_id, position) VALUES (?, ?, ?)`,
		newParentID, childID, position); err != nil {
		return err
	}
	for _, p := range oldParents {
		if err := compactPositions(ctx, t, p); err != nil {
			return err
		}
	}
	return nil
}

// Reorder rewrites parentID's children to the given sequence, which must be
// a permutation of its current children, assigning positions 0..N-1 in the
// order given.
func (r *Repo) Reorder(ctx context.Context, parentID string, childIDs []string) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		return ReorderTx(ctx, t, parentID, childIDs)
	})
}

// ReorderTx rewrites parentID's children to childIDs inside an already-open
// transaction.
func ReorderTx(ctx context.Context, t *txn.Transaction, parentID string, childIDs []string) error {
	current, err := currentChildren(ctx, t, parentID)
	if err != nil {
		return err
	}
	if !samePermutation(current, childIDs) {
		return graph.Validation("child_ids", "permutation_of_current_children", strings.Join(childIDs, ","))
	}

	// Stage through negative positions first so the unique (parent_id,
	// position) index never sees two children share a slot mid-rewrite.
	for i, id := range childIDs {
		if _, err := t.Run(ctx, `UPDATE hierarchy_edges SET position = ? WHERE parent_id = ? AND child_id = ?`, -(i + 1), parentID, id); err != nil {
			return err
		}
	}
	for i, id := range childIDs {
		if _, err := t.Run(ctx, `UPDATE hierarchy_edges SET position = ? WHERE parent_id = ? AND child_id = ?`, i, parentID, id); err != nil {
			return err
		}
	}
	return nil
}

func currentChildren(ctx context.Context, t *txn.Transaction, parentID string) ([]string, error) {
	rows, err := t.Query(ctx, `SELECT child_id FROM hierarchy_edges WHERE parent_id = ? ORDER BY position`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var children []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, graph.Internal("scan child", err)
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

func samePermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, id := range a {
		counts[id]++
	}
	for _, id := range b {
		counts[id]--
		if counts[id] < 0 {
			return false
		}
	}
	return true
}

// compactPositions renumbers parentID's children to a dense 0..N-1
// permutation in their existing relative order (§3 invariant e).
func compactPositions(ctx context.Context, t *txn.Transaction, parentID string) error {
	rows, err := t.Query(ctx, `SELECT child_id FROM hierarchy_edges WHERE parent_id = ? ORDER BY position`, parentID)
	if err != nil {
		return err
	}
	var children []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			_ = rows.Close()
			return graph.Internal("scan child", err)
		}
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for i, c := range children {
		if _, err := t.Run(ctx, `UPDATE hierarchy_edges SET position = ? WHERE parent_id = ? AND child_id = ?`, i, parentID, c); err != nil {
			return err
		}
	}
	return nil
}

// --- References ---

// CreateReference inserts a typed reference edge, bumping the target's
// incoming_ref_count.
func (r *Repo) CreateReference(ctx context.Context, ref graph.Reference) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		return CreateReferenceTx(ctx, t, ref)
	})
}

// CreateReferenceTx inserts ref inside an already-open transaction.
func CreateReferenceTx(ctx context.Context, t *txn.Transaction, ref graph.Reference) error {
	_, err := t.Run(ctx, `
INSERT OR IGNORE INTO node_references (source_id, target_id, reference_type, context) VALUES (?, ?, ?, ?)`,
		ref.SourceID, ref.TargetID, ref.ReferenceType, nullable(ref.Context))
	if err != nil {
		return err
	}
	_, err = t.Run(ctx, `UPDATE node_stats SET incoming_ref_count = incoming_ref_count + 1 WHERE node_id = ?`, ref.TargetID)
	return err
}

// DeleteReference removes one typed reference edge.
func (r *Repo) DeleteReference(ctx context.Context, sourceID, targetID, referenceType string) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		res, err := t.Run(ctx, `DELETE FROM node_references WHERE source_id=? AND target_id=? AND reference_type=?`,
			sourceID, targetID, referenceType)
		if err != nil {
			return err
		}
		if res.Changes == 0 {
			return nil
		}
		_, err = t.Run(ctx, `UPDATE node_stats SET incoming_ref_count = MAX(0, incoming_ref_count - 1) WHERE node_id = ?`, targetID)
		return err
	})
}

// --- Stats ---

// GetStats reads a node's derived counters.
func (r *Repo) GetStats(ctx context.Context, nodeID string) (graph.NodeStats, error) {
	row := r.c.QueryRow(ctx, `SELECT node_id, access_count, incoming_ref_count, direct_child_count, depth FROM node_stats WHERE node_id = ?`, nodeID)
	var s graph.NodeStats
	err := row.Scan(&s.NodeID, &s.AccessCount, &s.IncomingRefCount, &s.DirectChildCount, &s.Depth)
	if err == sql.ErrNoRows {
		return graph.NodeStats{}, graph.NotFound("node_stats", nodeID)
	}
	if err != nil {
		return graph.NodeStats{}, graph.Internal("scan node_stats", err)
	}
	return s, nil
}

// BumpAccessCount increments a node's access_count outside any caller
// transaction; used by read paths that want best-effort popularity
// tracking without taking the write lock's full retry/backoff machinery.
func (r *Repo) BumpAccessCount(ctx context.Context, nodeID string) error {
	_, err := r.c.Run(ctx, `UPDATE node_stats SET access_count = access_count + 1 WHERE node_id = ?`, nodeID)
	if err != nil {
		return graph.Internal("bump access_count", err)
	}
	return nil
}

// --- Import ledger ---

// StartImport records a new running import session.
func (r *Repo) StartImport(ctx context.Context, imp graph.Import) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		_, err := t.Run(ctx, `
INSERT INTO imports (id, filename, file_hash, node_count, started_at, status, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			imp.ID, imp.Filename, imp.FileHash, imp.NodeCount, nowUTC(), graph.ImportRunning, metaOrEmpty(imp.MetadataJSON))
		return err
	})
}

// CompleteImport marks an import finished with a final node count.
func (r *Repo) CompleteImport(ctx context.Context, id string, nodeCount int64) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		_, err := t.Run(ctx, `UPDATE imports SET status=?, node_count=?, ended_at=? WHERE id=?`,
			graph.ImportCompleted, nodeCount, nowUTC(), id)
		return err
	})
}

// FailImport marks an import failed, recording the error message.
func (r *Repo) FailImport(ctx context.Context, id, errMsg string) error {
	return r.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		_, err := t.Run(ctx, `UPDATE imports SET status=?, error=?, ended_at=? WHERE id=?`,
			graph.ImportFailed, errMsg, nowUTC(), id)
		return err
	})
}

// GetImport reads one import ledger entry.
func (r *Repo) GetImport(ctx context.Context, id string) (graph.Import, error) {
	row := r.c.QueryRow(ctx, `SELECT id, filename, file_hash, node_count, started_at, ended_at, status, error, metadata_json FROM imports WHERE id=?`, id)
	imp, err := scanImportRows(row)
	if err == sql.ErrNoRows {
		return graph.Import{}, graph.NotFound("import", id)
	}
	return imp, err
}

// ListImports returns every import ledger entry, most recent first.
func (r *Repo) ListImports(ctx context.Context) ([]graph.Import, error) {
	rows, err := r.c.Query(ctx, `SELECT id, filename, file_hash, node_count, started_at, ended_at, status, error, metadata_json FROM imports ORDER BY started_at DESC`)
	if err != nil {
		return nil, graph.Internal("list imports", err)
	}
	defer func() { _ = rows.Close() }()

	var out []graph.Import
	for rows.Next() {
		imp, err := scanImportRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImportRows(row rowScanner) (graph.Import, error) {
	var imp graph.Import
	var endedAt, errMsg sql.NullString
	var started string
	if err := row.Scan(&imp.ID, &imp.Filename, &imp.FileHash, &imp.NodeCount, &started, &endedAt,
		&imp.Status, &errMsg, &imp.MetadataJSON); err != nil {
		return graph.Import{}, err
	}
	imp.StartedAt, _ = parseRFC(started)
	if endedAt.Valid {
		imp.EndedAt, _ = parseRFC(endedAt.String)
	}
	imp.Error = errMsg.String
	return imp, nil
}

func metaOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
