package conn_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisaross/tana-local-kb-sub000/internal/config"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/conn"
)

func TestOpenMemoryRunAndQueryRoundtrip(t *testing.T) {
	c, err := conn.Open(":memory:", config.PresetMemory)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	_, err = c.Run(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	res, err := c.Run(ctx, `INSERT INTO widgets (name) VALUES (?)`, "sprocket")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Changes)
	assert.Equal(t, int64(1), res.LastInsertID)

	row := c.QueryRow(ctx, `SELECT name FROM widgets WHERE id = ?`, res.LastInsertID)
	var name string
	require.NoError(t, row.Scan(&name))
	assert.Equal(t, "sprocket", name)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	c, err := conn.Open(":memory:", config.PresetMemory)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	_, err = c.Run(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	sentinel := errors.New("boom")
	err = c.Transaction(ctx, func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, `INSERT INTO widgets (name) VALUES (?)`, "gizmo"); execErr != nil {
			return execErr
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	var count int
	require.NoError(t, c.QueryRow(ctx, `SELECT COUNT(*) FROM widgets`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestCloseIsIdempotentAndRejectsFurtherOps(t *testing.T) {
	c, err := conn.Open(":memory:", config.PresetMemory)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Run(context.Background(), `SELECT 1`)
	require.ErrorIs(t, err, conn.ErrStorageClosed)
}

func TestPathReturnsOpenedPath(t *testing.T) {
	c, err := conn.Open(":memory:", config.PresetMemory)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.Equal(t, ":memory:", c.Path())
}
