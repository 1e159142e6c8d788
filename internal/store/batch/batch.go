// Package batch implements the Batch Engine (C7): it accepts a
// heterogeneous list of graph mutations, orders them by their declared
// dependencies, chunks them, and replays each chunk through the
// Transaction Manager with either per-chunk-transactional or
// continue-on-error semantics.
//
// Grounded on the teacher's apoc/algo topological sort (used here for
// dependency ordering) and on straga-Mimir_lite's own batch-apply
// entrypoint for the chunk/continue-on-error shape.
package batch

import (
	"context"
	"fmt"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/graphrepo"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/txn"
	"github.com/lisaross/tana-local-kb-sub000/internal/telemetry"
)

// OpKind enumerates the supported heterogeneous operation types (spec §4.7).
type OpKind string

const (
	OpCreateNode          OpKind = "create_node"
	OpUpdateNode          OpKind = "update_node"
	OpDeleteNode          OpKind = "delete_node"
	OpCreateHierarchyEdge OpKind = "create_hierarchy_edge"
	OpMoveNode            OpKind = "move_node"
	OpCreateReference     OpKind = "create_reference"
)

// Op is one operation in a batch. DependsOn names other ops in the same
// batch (by Op.ID) that must apply first — e.g. a create_hierarchy_edge
// naming the create_node ops for both its endpoints. Cascade is the
// delete_node payload's cascade flag; MoveParent is move_node's target
// parent (position is always auto-assigned, matching §4.7's payload table).
type Op struct {
	ID         string
	Kind       OpKind
	Node       *graph.Node
	Patch      *graph.NodePatch
	NodeID     string
	Cascade    bool
	Edge       *graph.HierarchyEdge
	MoveParent string
	Reference  *graph.Reference
	DependsOn  []string
}

// Mode selects whether a batch commits atomically or applies what it can.
type Mode string

const (
	// ModeTransactional runs each chunk in one transaction: any op error
	// rolls back that whole chunk and stops the batch. Chunks committed
	// before the failing one are not rolled back; with the default
	// ChunkSize the whole batch is a single chunk.
	ModeTransactional Mode = "transactional"
	// ModeContinueOnError applies each op in its own transaction and
	// keeps going past failures, collecting them in Result.Errors.
	ModeContinueOnError Mode = "continue_on_error"
)

// Options configures one batch run.
type Options struct {
	Mode      Mode
	ChunkSize int
	OnProgress func(done, total int)
	Cancel     <-chan struct{}
}

// OpResult reports one op's outcome.
type OpResult struct {
	ID    string
	Err   error
}

// Result summarizes a batch run.
type Result struct {
	Applied int
	Failed  int
	Errors  []OpResult
}

// Engine runs batches against a graphrepo.Repo.
type Engine struct {
	repo *graphrepo.Repo
	mgr  *txn.Manager
	bus  *telemetry.Bus
}

// New creates an Engine.
func New(repo *graphrepo.Repo, mgr *txn.Manager, bus *telemetry.Bus) *Engine {
	if bus == nil {
		bus = telemetry.NewBus(nil)
	}
	return &Engine{repo: repo, mgr: mgr, bus: bus}
}

// Run orders ops by dependency, chunks them by opts.ChunkSize (default:
// all in one chunk), and applies each chunk per opts.Mode.
func (e *Engine) Run(ctx context.Context, ops []Op, opts Options) (Result, error) {
	ordered, err := topoSort(ops)
	if err != nil {
		return Result{}, err
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(ordered)
	}
	if chunkSize == 0 {
		return Result{}, nil
	}

	var result Result
	done := 0
	for start := 0; start < len(ordered); start += chunkSize {
		select {
		case <-opts.Cancel:
			return result, graph.Timeout("batch cancelled")
		default:
		}
		end := start + chunkSize
		if end > len(ordered) {
			end = len(ordered)
		}
		chunk := ordered[start:end]

		if opts.Mode == ModeContinueOnError {
			e.runContinueOnError(ctx, chunk, &result)
		} else {
			if err := e.runTransactional(ctx, chunk, &result); err != nil {
				return result, err
			}
		}

		done = end
		if opts.OnProgress != nil {
			opts.OnProgress(done, len(ordered))
		}
	}
	return result, nil
}

func (e *Engine) runTransactional(ctx context.Context, chunk []Op, result *Result) error {
	err := e.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		for _, op := range chunk {
			if err := applyOpTx(ctx, t, op); err != nil {
				return fmt.Errorf("op %s: %w", op.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		result.Failed += len(chunk)
		result.Errors = append(result.Errors, OpResult{Err: err})
		return err
	}
	result.Applied += len(chunk)
	return nil
}

func (e *Engine) runContinueOnError(ctx context.Context, chunk []Op, result *Result) {
	for _, op := range chunk {
		err := e.applyOpRetrying(ctx, op)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, OpResult{ID: op.ID, Err: err})
			continue
		}
		result.Applied++
	}
}

// applyOpRetrying wraps a single op in its own managed transaction so
// ModeContinueOnError still gets the manager's lock-retry behavior.
func (e *Engine) applyOpRetrying(ctx context.Context, op Op) error {
	return e.mgr.Run(ctx, txn.DefaultOptions(), func(t *txn.Transaction) error {
		return applyOpTx(ctx, t, op)
	})
}

func applyOpTx(ctx context.Context, t *txn.Transaction, op Op) error {
	switch op.Kind {
	case OpCreateNode:
		if op.Node == nil {
			return graph.Validation("node", "required", "")
		}
		return graphrepo.InsertNodeTx(ctx, t, *op.Node)
	case OpUpdateNode:
		if op.Patch == nil {
			return graph.Validation("patch", "required", "")
		}
		_, err := graphrepo.UpdateNodeTx(ctx, t, op.NodeID, *op.Patch)
		return err
	case OpDeleteNode:
		return graphrepo.DeleteNodeTx(ctx, t, op.NodeID, op.Cascade)
	case OpCreateHierarchyEdge:
		if op.Edge == nil {
			return graph.Validation("edge", "required", "")
		}
		return graphrepo.CreateHierarchyEdgeTx(ctx, t, *op.Edge)
	case OpMoveNode:
		return graphrepo.MoveNodeTx(ctx, t, op.NodeID, op.MoveParent)
	case OpCreateReference:
		if op.Reference == nil {
			return graph.Validation("reference", "required", "")
		}
		return graphrepo.CreateReferenceTx(ctx, t, *op.Reference)
	default:
		return graph.Validation("kind", "unknown", string(op.Kind))
	}
}

// topoSort orders ops via Kahn's algorithm on the DependsOn graph,
// grounded on the teacher's apoc/algo topological-sort helper. A cycle in
// the dependency graph is reported as a KindConstraint Cycle error.
func topoSort(ops []Op) ([]Op, error) {
	index := make(map[string]int, len(ops))
	for i, op := range ops {
		index[op.ID] = i
	}

	inDegree := make([]int, len(ops))
	children := make([][]int, len(ops))
	for i, op := range ops {
		for _, dep := range op.DependsOn {
			depIdx, ok := index[dep]
			if !ok {
				continue // dependency outside this batch; assume already applied
			}
			children[depIdx] = append(children[depIdx], i)
			inDegree[i]++
		}
	}

	var queue []int
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	ordered := make([]Op, 0, len(ops))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		ordered = append(ordered, ops[i])
		for _, c := range children[i] {
			inDegree[c]--
			if inDegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	if len(ordered) != len(ops) {
		return nil, graph.Constraint(graph.ConstraintCycle, "batch operation dependency cycle")
	}
	return ordered, nil
}
