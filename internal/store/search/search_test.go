package search_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/graphrepo"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/search"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/txn"
	"github.com/lisaross/tana-local-kb-sub000/internal/storetest"
	"github.com/lisaross/tana-local-kb-sub000/internal/telemetry"
)

func seededEngine(t *testing.T) *search.Engine {
	t.Helper()
	c := storetest.OpenMemory(t)
	mgr := txn.NewManager(c, telemetry.NewBus(telemetry.NewLogger("test: ")))
	repo := graphrepo.New(c, mgr)
	ctx := context.Background()

	alpha := storetest.Node("alpha", "Project Alpha")
	alpha.Content = "roadmap notes for the alpha launch"
	beta := storetest.Node("beta", "Project Beta")
	beta.Content = "retrospective notes"
	require.NoError(t, repo.CreateNode(ctx, alpha))
	require.NoError(t, repo.CreateNode(ctx, beta))

	eng, err := search.New(c, search.DefaultWeights())
	require.NoError(t, err)
	return eng
}

func TestSanitizeQueryPassesThroughBalancedInput(t *testing.T) {
	q, err := search.SanitizeQuery(`"project alpha"`)
	require.NoError(t, err)
	assert.Equal(t, `"project alpha"`, q)
}

func TestSanitizeQueryRejectsControlBytes(t *testing.T) {
	_, err := search.SanitizeQuery("bad\x01query")
	require.Error(t, err)
	var gerr *graph.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, graph.KindValidation, gerr.Kind)
}

func TestSanitizeQueryRepairsUnbalancedQuotes(t *testing.T) {
	q, err := search.SanitizeQuery(`project "alpha`)
	require.NoError(t, err)
	assert.Equal(t, `"project" AND "alpha"`, q)
}

func TestSearchFindsMatchingNode(t *testing.T) {
	eng := seededEngine(t)
	results, err := eng.Search(context.Background(), "alpha", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "alpha", results[0].NodeID)
}

func TestSimilarityRanksSharedVocabularyHigher(t *testing.T) {
	eng := seededEngine(t)
	results, err := eng.Similarity(context.Background(), "alpha", search.SimilarityFields{Text: true}, 0.0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "beta", results[0].NodeID)
}

func TestHybridRejectsWeightsNotSummingToOne(t *testing.T) {
	_, err := search.Hybrid([]search.Branch{{Name: "text", Weight: 0.5}}, search.FusionLinear)
	require.Error(t, err)
	var gerr *graph.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, graph.KindValidation, gerr.Kind)
}

func TestHybridLinearFusionSumsWeightedScores(t *testing.T) {
	branches := []search.Branch{
		{Name: "text", Weight: 0.6, Results: []search.Result{{NodeID: "a", Name: "A", Score: 10}}},
		{Name: "graph", Weight: 0.4, Results: []search.Result{{NodeID: "a", Name: "A", Score: 5}}},
	}
	out, err := search.Hybrid(branches, search.FusionLinear)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.6*10+0.4*5, out[0].Score, 0.0001)
}

func TestAutocompleteRejectsShortPrefix(t *testing.T) {
	eng := seededEngine(t)
	_, err := eng.Autocomplete(context.Background(), "a", 5)
	require.Error(t, err)
	var gerr *graph.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, graph.KindValidation, gerr.Kind)
}

func TestAutocompleteMatchesNamePrefix(t *testing.T) {
	eng := seededEngine(t)
	results, err := eng.Autocomplete(context.Background(), "Project", 5)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
