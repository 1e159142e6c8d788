// Package conn implements the Connection & Pragma Layer (C4): it opens the
// embedded relational store, applies a tunable pragma preset, and exposes
// the three primitives every higher layer builds on (query/run/transaction).
//
// The substrate is SQLite via the pure-Go modernc.org/sqlite driver — the
// concrete relational store the retrieved corpus's own knowledge/graph
// tools reach for (see other_examples' agentic-research-mache and
// untoldecay-BeadsLog sqlite storage files). One *sql.DB handles the single
// writer (capped at one open connection, matching the embedded single-writer
// contract in spec §5); a second, read-only *sql.DB serves concurrent
// readers, mirroring the source/sidecar connection split the corpus uses to
// keep reader and writer roles explicit.
package conn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/lisaross/tana-local-kb-sub000/internal/config"
	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
)

// RunResult mirrors the substrate's exec result (§4.4).
type RunResult struct {
	Changes      int64
	LastInsertID int64
}

// Conn wraps the writer and reader handles plus the active pragma preset.
// Close is idempotent; Query, Run and Transaction issued after Close fail
// fast with ErrStorageClosed (QueryRow and Writer do not check, and surface
// the driver's own closed-database error instead).
type Conn struct {
	mu      sync.RWMutex
	writer  *sql.DB
	reader  *sql.DB
	path    string
	closed  bool
	pragmas config.PragmaConfig
}

// ErrStorageClosed is returned by any operation issued after Close.
var ErrStorageClosed = graph.Internal("storage closed", nil)

// Open opens (or creates) the database file at path — or an in-memory
// database when path is ":memory:" — and applies preset's pragma bundle.
func Open(path string, preset config.PragmaPreset) (*Conn, error) {
	pragmas := config.Pragmas(preset)

	dsn := path
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, graph.Internal("open database", err)
	}
	writer.SetMaxOpenConns(1) // single writer per embedded file (spec §5)

	if err := applyPragmas(writer, pragmas); err != nil {
		_ = writer.Close()
		return nil, err
	}

	var reader *sql.DB
	if path != ":memory:" {
		reader, err = sql.Open("sqlite", dsn+"?mode=ro")
		if err != nil {
			_ = writer.Close()
			return nil, graph.Internal("open read-only database", err)
		}
		if _, err := reader.Exec("PRAGMA query_only=ON"); err != nil {
			_ = writer.Close()
			_ = reader.Close()
			return nil, graph.Internal("set query_only pragma", err)
		}
	} else {
		// In-memory databases have no file to reopen read-only from; reads
		// share the single writer handle instead.
		reader = writer
	}

	return &Conn{writer: writer, reader: reader, path: path, pragmas: pragmas}, nil
}

func applyPragmas(db *sql.DB, p config.PragmaConfig) error {
	for _, stmt := range p.Statements() {
		if _, err := db.Exec(stmt); err != nil {
			return graph.Internal(fmt.Sprintf("apply pragma %q", stmt), err)
		}
	}
	return nil
}

// Writer exposes the single-writer *sql.DB for callers (notably txn.Manager)
// that need to begin transactions directly.
func (c *Conn) Writer() *sql.DB {
	return c.writer
}

// Query runs a read query against the reader handle.
func (c *Conn) Query(ctx context.Context, sqlStr string, args ...any) (*sql.Rows, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := c.reader.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, graph.Internal("query", err)
	}
	return rows, nil
}

// QueryRow runs a single-row read query against the reader handle.
func (c *Conn) QueryRow(ctx context.Context, sqlStr string, args ...any) *sql.Row {
	return c.reader.QueryRowContext(ctx, sqlStr, args...)
}

// Run executes a write statement against the writer handle outside any
// explicit transaction.
func (c *Conn) Run(ctx context.Context, sqlStr string, args ...any) (RunResult, error) {
	if err := c.checkOpen(); err != nil {
		return RunResult{}, err
	}
	res, err := c.writer.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return RunResult{}, graph.Internal("run", err)
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return RunResult{Changes: changes, LastInsertID: lastID}, nil
}

// Transaction runs fn inside a single-level database/sql transaction,
// committing on success and rolling back on error or panic. Nested scopes
// are the Transaction Manager's job (C5), not this layer's.
func (c *Conn) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	tx, err := c.writer.BeginTx(ctx, nil)
	if err != nil {
		return graph.Internal("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return graph.Internal("commit transaction", err)
	}
	return nil
}

func (c *Conn) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close closes both handles. Calling Close more than once is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.reader != c.writer {
		if e := c.reader.Close(); e != nil {
			err = e
		}
	}
	if e := c.writer.Close(); e != nil {
		err = e
	}
	return err
}

// Path returns the path this Conn was opened against.
func (c *Conn) Path() string {
	return c.path
}
