package transform_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/ingest/transform"
)

func TestTransformNormalizesCoreFields(t *testing.T) {
	data := []byte(`{"id":"n1","name":"Project #alpha [[Roadmap]]","created":1700000000,"type":"node"}`)
	result, err := transform.Transform(data, transform.Options{})
	require.NoError(t, err)

	assert.Equal(t, "n1", result.Node.ID)
	assert.Equal(t, "Project #alpha [[Roadmap]]", result.Node.Name)
	assert.Equal(t, graph.NodeTypeNode, result.Node.NodeType)
	assert.False(t, result.Node.IsSystemNode)
	assert.Contains(t, result.References, "Roadmap")
	assert.Contains(t, result.References, "alpha")
}

func TestTransformRejectsMissingID(t *testing.T) {
	data := []byte(`{"name":"no id","created":1700000000}`)
	_, err := transform.Transform(data, transform.Options{})
	require.Error(t, err)
	var gerr *graph.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, graph.KindValidation, gerr.Kind)
}

func TestTransformRejectsMissingCreatedTimestamp(t *testing.T) {
	data := []byte(`{"id":"n1","name":"x"}`)
	_, err := transform.Transform(data, transform.Options{})
	require.Error(t, err)
	var gerr *graph.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, graph.KindValidation, gerr.Kind)
}

func TestTransformFallsBackToNameThenOtherContentFields(t *testing.T) {
	data := []byte(`{"id":"n1","created":1700000000,"body":"fallback body text"}`)
	result, err := transform.Transform(data, transform.Options{})
	require.NoError(t, err)
	assert.Equal(t, "fallback body text", result.Node.Content)
}

func TestTransformClassifiesSystemNodeByReservedName(t *testing.T) {
	data := []byte(`{"id":"sys1","name":"Templates","created":1700000000}`)
	result, err := transform.Transform(data, transform.Options{})
	require.NoError(t, err)
	assert.True(t, result.Node.IsSystemNode)
}

func TestTransformClassifiesSystemNodeByIDPrefix(t *testing.T) {
	data := []byte(`{"id":"SYS_root","name":"whatever","created":1700000000}`)
	result, err := transform.Transform(data, transform.Options{})
	require.NoError(t, err)
	assert.True(t, result.Node.IsSystemNode)
}

func TestTransformProjectsFieldsRespectingIncludeExclude(t *testing.T) {
	data := []byte(`{"id":"n1","name":"x","created":1700000000,"priority":"high","secret":"hide me"}`)
	result, err := transform.Transform(data, transform.Options{
		IncludeFields: []string{"priority", "secret"},
		ExcludeFields: []string{"secret"},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Node.FieldsJSON, "priority")
	assert.NotContains(t, result.Node.FieldsJSON, "secret")
}

func TestTransformPreservesRawWhenRequested(t *testing.T) {
	data := []byte(`{"id":"n1","name":"x","created":1700000000}`)
	result, err := transform.Transform(data, transform.Options{PreserveRaw: true})
	require.NoError(t, err)
	require.NotNil(t, result.Raw)
	assert.Equal(t, "n1", result.Raw["id"])
}

func TestTransformRejectsMalformedJSON(t *testing.T) {
	_, err := transform.Transform([]byte(`not json`), transform.Options{})
	require.Error(t, err)
	var gerr *graph.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, graph.KindMalformed, gerr.Kind)
}
