// Package storetest provides shared fixtures for the store package tests:
// an in-memory, fully migrated connection plus small record builders.
// Grounded on the teacher's own pkg/cypher/testutil fixtures package, which
// plays the same role for its executor tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/lisaross/tana-local-kb-sub000/internal/config"
	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/conn"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/migrate"
)

// OpenMemory opens a fresh in-memory database with every migration applied
// and registers a cleanup to close it.
func OpenMemory(t *testing.T) *conn.Conn {
	t.Helper()
	c, err := conn.Open(":memory:", config.PresetMemory)
	if err != nil {
		t.Fatalf("open memory conn: %v", err)
	}
	runner, err := migrate.NewRunner(c.Writer())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if _, err := runner.RunMigrations(context.Background(), migrate.Catalog()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Node builds a minimal valid Node fixture with the given id and name.
func Node(id, name string) graph.Node {
	now := time.Now().UTC().Truncate(time.Second)
	return graph.Node{
		ID:           id,
		Name:         name,
		Content:      "content for " + name,
		DocType:      "markdown",
		OwnerID:      "owner-1",
		CreatedAt:    now,
		UpdatedAt:    now,
		NodeType:     graph.NodeTypeNode,
		FieldsJSON:   "{}",
		MetadataJSON: "{}",
	}
}
