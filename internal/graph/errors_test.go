package graph_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
)

func TestErrorIsMatchesByKindIgnoringDetail(t *testing.T) {
	err := graph.NotFound("node", "n1")
	assert.True(t, errors.Is(err, graph.ErrNotFound))
	assert.False(t, errors.Is(err, graph.ErrConflict))
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := graph.Internal("write page", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestErrorAsRecoversConcreteFields(t *testing.T) {
	var wrapped error = fmt.Errorf("wrapping: %w", graph.Constraint(graph.ConstraintCycle, "a->b->a"))
	var gerr *graph.Error
	require.True(t, errors.As(wrapped, &gerr))
	assert.Equal(t, graph.KindConstraint, gerr.Kind)
	assert.Equal(t, graph.ConstraintCycle, gerr.ConstraintKind)
}

func TestErrorMessagesNameTheRelevantFields(t *testing.T) {
	assert.Contains(t, graph.NotFound("node", "n1").Error(), "n1")
	assert.Contains(t, graph.Validation("name", "max_length", "9999").Error(), "max_length")
	assert.Contains(t, graph.MemoryLimit(600, 512).Error(), "600")
	assert.Contains(t, graph.Malformed(42).Error(), "42")
}
