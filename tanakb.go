// Package tanakb is the embeddable facade over the knowledge-graph ingest
// and storage engine: one Open call wires the connection layer, migration
// runner, transaction manager, graph repository, batch engine, query,
// traversal and search engines, and the ingest pipeline into a single
// handle.
//
// Grounded on the teacher's top-level embeddable entrypoint
// (straga-Mimir_lite's own package-root constructor wiring its storage,
// indexing and query layers together behind one struct).
package tanakb

import (
	"context"

	"github.com/lisaross/tana-local-kb-sub000/internal/config"
	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/ingest"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/batch"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/conn"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/graphrepo"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/migrate"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/query"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/search"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/traversal"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/txn"
	"github.com/lisaross/tana-local-kb-sub000/internal/telemetry"
)

// Engine is the embeddable handle: one open connection plus every
// component layered on top of it.
type Engine struct {
	Conn      *conn.Conn
	Bus       *telemetry.Bus
	Txn       *txn.Manager
	Graph     *graphrepo.Repo
	Batch     *batch.Engine
	Query     *query.Engine
	Traversal *traversal.Engine
	Search    *search.Engine
	Ingest    *ingest.Pipeline
}

// Open opens (or creates) the database at path with cfg's pragma preset,
// runs the engine's own schema migrations, and wires every component.
func Open(ctx context.Context, path string, cfg config.Config) (*Engine, error) {
	c, err := conn.Open(path, cfg.Pragmas)
	if err != nil {
		return nil, err
	}

	runner, err := migrate.NewRunner(c.Writer())
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if _, err := runner.RunMigrations(ctx, migrate.Catalog()); err != nil {
		_ = c.Close()
		return nil, err
	}

	bus := telemetry.NewBus(telemetry.NewLogger("tanakb: "))
	mgr := txn.NewManager(c, bus)
	repo := graphrepo.New(c, mgr)
	batchEngine := batch.New(repo, mgr, bus)
	queryEngine := query.New(c, mgr)
	traversalEngine := traversal.New(c)
	searchEngine, err := search.New(c, search.DefaultWeights())
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	ingestPipeline := ingest.New(repo, bus)

	return &Engine{
		Conn:      c,
		Bus:       bus,
		Txn:       mgr,
		Graph:     repo,
		Batch:     batchEngine,
		Query:     queryEngine,
		Traversal: traversalEngine,
		Search:    searchEngine,
		Ingest:    ingestPipeline,
	}, nil
}

// Close releases the underlying connection.
func (e *Engine) Close() error {
	return e.Conn.Close()
}

// MigrationHistory reports every applied schema migration.
func (e *Engine) MigrationHistory(ctx context.Context) ([]graph.SchemaVersion, error) {
	runner, err := migrate.NewRunner(e.Conn.Writer())
	if err != nil {
		return nil, err
	}
	return runner.History(ctx)
}
