package migrate_test

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisaross/tana-local-kb-sub000/internal/store/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunMigrationsAppliesInOrderOnce(t *testing.T) {
	db := openDB(t)
	runner, err := migrate.NewRunner(db)
	require.NoError(t, err)
	ctx := context.Background()

	migrations := []migrate.Migration{
		{Version: 2, Description: "second", SQL: `CREATE TABLE two (id INTEGER PRIMARY KEY)`},
		{Version: 1, Description: "first", SQL: `CREATE TABLE one (id INTEGER PRIMARY KEY)`},
	}
	results, err := runner.RunMigrations(ctx, migrations)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Version)
	assert.Equal(t, 2, results[1].Version)

	version, err := runner.GetCurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// Re-running is a no-op: both versions are already applied.
	results, err = runner.RunMigrations(ctx, migrations)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunMigrationsStopsAtFirstFailure(t *testing.T) {
	db := openDB(t)
	runner, err := migrate.NewRunner(db)
	require.NoError(t, err)
	ctx := context.Background()

	migrations := []migrate.Migration{
		{Version: 1, Description: "good", SQL: `CREATE TABLE good (id INTEGER PRIMARY KEY)`},
		{Version: 2, Description: "bad", SQL: `NOT VALID SQL`},
	}
	results, err := runner.RunMigrations(ctx, migrations)
	require.Error(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Applied)
	assert.False(t, results[1].Applied)

	version, err := runner.GetCurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestRollbackDeletesVersionLedgerEntriesAboveTarget(t *testing.T) {
	db := openDB(t)
	runner, err := migrate.NewRunner(db)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = runner.RunMigrations(ctx, []migrate.Migration{
		{Version: 1, Description: "first", SQL: `CREATE TABLE one (id INTEGER PRIMARY KEY)`},
		{Version: 2, Description: "second", SQL: `CREATE TABLE two (id INTEGER PRIMARY KEY)`},
	})
	require.NoError(t, err)

	require.NoError(t, runner.Rollback(ctx, 1))

	version, err := runner.GetCurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestHistoryReturnsAppliedRecordsOldestFirst(t *testing.T) {
	db := openDB(t)
	runner, err := migrate.NewRunner(db)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = runner.RunMigrations(ctx, []migrate.Migration{
		{Version: 1, Description: "first", SQL: `CREATE TABLE one (id INTEGER PRIMARY KEY)`},
		{Version: 2, Description: "second", SQL: `CREATE TABLE two (id INTEGER PRIMARY KEY)`},
	})
	require.NoError(t, err)

	history, err := runner.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 2, history[1].Version)
	assert.False(t, history[0].AppliedAt.IsZero())
}
