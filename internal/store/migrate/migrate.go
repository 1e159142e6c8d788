// Package migrate implements the Migration Runner contract the storage
// engine requires of an external collaborator (spec §6): get the current
// schema version, apply a list of migrations, roll back to a target
// version, and report history. The engine itself only depends on this
// contract; authoring the SQL migration catalog beyond this package's own
// schema is explicitly out of scope (spec §1).
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
)

// Migration is one registered schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Result reports the outcome of applying one migration.
type Result struct {
	Version     int
	Description string
	Applied     bool
	Error       error
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version     INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	applied_at  TEXT NOT NULL
)`

// Runner applies and tracks schema migrations against a *sql.DB.
type Runner struct {
	db *sql.DB
}

// NewRunner creates a Runner. The caller is responsible for passing the
// single writer handle (migrations must run before any concurrent reader
// connection is opened).
func NewRunner(db *sql.DB) (*Runner, error) {
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return nil, graph.Internal("create schema_version table", err)
	}
	return &Runner{db: db}, nil
}

// GetCurrentVersion returns the highest applied version, or 0 if none.
func (r *Runner) GetCurrentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := r.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, graph.Internal("read schema_version", err)
	}
	return int(version.Int64), nil
}

// RunMigrations applies every migration whose version is greater than the
// current version, in ascending order, each inside its own transaction.
func (r *Runner) RunMigrations(ctx context.Context, migrations []Migration) ([]Result, error) {
	current, err := r.GetCurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	var results []Result
	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		applyErr := r.applyOne(ctx, m)
		results = append(results, Result{Version: m.Version, Description: m.Description, Applied: applyErr == nil, Error: applyErr})
		if applyErr != nil {
			return results, applyErr
		}
	}
	return results, nil
}

func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return graph.Internal("begin migration transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return graph.Internal(fmt.Sprintf("apply migration %d", m.Version), err)
	}

	checksum := checksumOf(m.SQL)
	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description, checksum, applied_at) VALUES (?, ?, ?, ?)",
		m.Version, m.Description, checksum, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return graph.Internal("record schema_version", err)
	}

	if err := tx.Commit(); err != nil {
		return graph.Internal("commit migration", err)
	}
	return nil
}

// Rollback deletes schema_version rows above targetVersion. It does not
// undo DDL — the migrations in this catalog are additive only — so a
// rollback is a version-ledger correction, not a structural undo.
func (r *Runner) Rollback(ctx context.Context, targetVersion int) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schema_version WHERE version > ?", targetVersion)
	if err != nil {
		return graph.Internal("rollback schema_version", err)
	}
	return nil
}

// History returns every applied migration record, oldest first.
func (r *Runner) History(ctx context.Context) ([]graph.SchemaVersion, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT version, description, checksum, applied_at FROM schema_version ORDER BY version")
	if err != nil {
		return nil, graph.Internal("read schema_version history", err)
	}
	defer func() { _ = rows.Close() }()

	var history []graph.SchemaVersion
	for rows.Next() {
		var v graph.SchemaVersion
		var applied string
		if err := rows.Scan(&v.Version, &v.Description, &v.Checksum, &applied); err != nil {
			return nil, graph.Internal("scan schema_version row", err)
		}
		v.AppliedAt, _ = time.Parse(time.RFC3339Nano, applied)
		history = append(history, v)
	}
	return history, rows.Err()
}

func checksumOf(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}
