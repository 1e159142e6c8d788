package graph_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
)

func TestValidIDAcceptsTheDocumentedCharset(t *testing.T) {
	assert.True(t, graph.ValidID("abc-123_DEF"))
	assert.False(t, graph.ValidID(""))
	assert.False(t, graph.ValidID("has space"))
	assert.False(t, graph.ValidID(strings.Repeat("a", 101)))
}
