// Package search implements the Search Engine (C10): FTS query
// compilation, multiplicative ranking, faceting, similarity scoring,
// hybrid fusion and prefix autocomplete.
//
// Grounded on the teacher's apoc/scoring (multiplicative weight
// composition) and apoc/search (query sanitization/compilation shape),
// adapted from the teacher's in-memory index onto SQLite FTS5 `bm25()`
// ranking. Autocomplete results are cached with
// github.com/dgraph-io/ristretto/v2, the admission-counting cache the
// corpus's other high-throughput lookup paths reach for.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/conn"
	"github.com/lisaross/tana-local-kb-sub000/internal/textutil"
)

// Weights are the multiplicative ranking adjustments (§4.10).
type Weights struct {
	Name    float64
	Content float64
	Tag     float64
	Hier    float64
	Ref     float64
	// RefPopularityThreshold is the incoming_ref_count above which w_ref
	// applies.
	RefPopularityThreshold int64
}

// DefaultWeights mirrors the spec's stated defaults.
func DefaultWeights() Weights {
	return Weights{Name: 3.0, Content: 1.0, Tag: 2.0, Hier: 1.2, Ref: 1.1, RefPopularityThreshold: 5}
}

// Result is one ranked search hit.
type Result struct {
	NodeID string
	Name   string
	Score  float64
}

// Engine answers search queries against the nodes_fts virtual table.
type Engine struct {
	c       *conn.Conn
	weights Weights
	cache   *ristretto.Cache[string, []Result]
}

// New creates an Engine backed by an autocomplete cache.
func New(c *conn.Conn, weights Weights) (*Engine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []Result]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, graph.Internal("create autocomplete cache", err)
	}
	return &Engine{c: c, weights: weights, cache: cache}, nil
}

// SanitizeQuery implements the §4.10 input-sanitization rule: reject
// control bytes, fall back to a best-effort AND-joined term list on
// unbalanced quotes. Operators AND/OR/NOT, "phrase", prefix* and ~fuzzy
// pass through unchanged since FTS5 understands them natively.
func SanitizeQuery(input string) (string, error) {
	for _, r := range input {
		if r < 0x20 && r != '\t' {
			return "", graph.Validation("query", "control_byte", input)
		}
	}
	if strings.Count(input, `"`)%2 != 0 {
		fields := strings.FieldsFunc(input, func(r rune) bool { return r == '"' })
		var terms []string
		for _, f := range fields {
			f = strings.TrimSpace(f)
			if f != "" {
				terms = append(terms, strconv.Quote(f))
			}
		}
		return strings.Join(terms, " AND "), nil
	}
	return input, nil
}

// Search runs a compiled FTS query and applies the multiplicative ranking
// adjustments, returning results ordered by score descending.
func (e *Engine) Search(ctx context.Context, rawQuery string, limit int) ([]Result, error) {
	q, err := SanitizeQuery(rawQuery)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := e.c.Query(ctx, `
SELECT f.id, f.name, bm25(nodes_fts) AS rank, n.fields_json, n.created_at,
       (SELECT COUNT(*) FROM hierarchy_edges h WHERE h.parent_id = f.id) AS child_count,
       COALESCE(s.incoming_ref_count, 0) AS incoming_refs
FROM nodes_fts f
JOIN nodes n ON n.id = f.id
LEFT JOIN node_stats s ON s.node_id = f.id
WHERE nodes_fts MATCH ?
ORDER BY rank
LIMIT ?`, q, limit*4) // overfetch before re-ranking by weighted score
	if err != nil {
		return nil, graph.Internal("fts search", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	queryLower := strings.ToLower(rawQuery)
	for rows.Next() {
		var id, name, fieldsJSON, createdAt string
		var rank float64
		var childCount, incomingRefs int64
		if err := rows.Scan(&id, &name, &rank, &fieldsJSON, &createdAt, &childCount, &incomingRefs); err != nil {
			return nil, graph.Internal("scan search row", err)
		}
		score := -rank // bm25() returns more-negative for better matches
		if strings.Contains(strings.ToLower(name), queryLower) {
			score *= e.weights.Name
		}
		if strings.Contains(queryLower, "#") {
			score *= e.weights.Tag
		} else {
			score *= e.weights.Content
		}
		if childCount > 0 {
			score *= e.weights.Hier
		}
		if incomingRefs > e.weights.RefPopularityThreshold {
			score *= e.weights.Ref
		}
		results = append(results, Result{NodeID: id, Name: name, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, graph.Internal("iterate search rows", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Facet is one bucketed count in a faceted search result.
type Facet struct {
	Dimension string
	Value     string
	Count     int64
}

// Facets computes counts per node type, owner, extracted tag and
// created-period bucket among rawQuery's matches.
func (e *Engine) Facets(ctx context.Context, rawQuery string) ([]Facet, error) {
	q, err := SanitizeQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	rows, err := e.c.Query(ctx, `
SELECT n.node_type, n.owner_id, n.created_at, f.tags
FROM nodes_fts f JOIN nodes n ON n.id = f.id
WHERE nodes_fts MATCH ?`, q)
	if err != nil {
		return nil, graph.Internal("facets query", err)
	}
	defer func() { _ = rows.Close() }()

	typeCounts := map[string]int64{}
	ownerCounts := map[string]int64{}
	tagCounts := map[string]int64{}
	periodCounts := map[string]int64{}

	for rows.Next() {
		var nodeType, ownerID, createdAt, tags string
		if err := rows.Scan(&nodeType, &ownerID, &createdAt, &tags); err != nil {
			return nil, graph.Internal("scan facet row", err)
		}
		typeCounts[nodeType]++
		if ownerID != "" {
			ownerCounts[ownerID]++
		}
		for _, tag := range strings.Fields(tags) {
			tagCounts[tag]++
		}
		if t, err := time.Parse("2006-01-02T15:04:05.000Z07:00", createdAt); err == nil {
			periodCounts[periodBucket(t)]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, graph.Internal("iterate facet rows", err)
	}

	var facets []Facet
	facets = append(facets, dimensionFacets("node_type", typeCounts)...)
	facets = append(facets, dimensionFacets("owner", ownerCounts)...)
	facets = append(facets, dimensionFacets("tag", tagCounts)...)
	facets = append(facets, dimensionFacets("created_period", periodCounts)...)
	return facets, nil
}

func dimensionFacets(dim string, counts map[string]int64) []Facet {
	var out []Facet
	for v, c := range counts {
		out = append(out, Facet{Dimension: dim, Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func periodBucket(t time.Time) string {
	age := time.Since(t)
	switch {
	case age <= 7*24*time.Hour:
		return "last-week"
	case age <= 30*24*time.Hour:
		return "last-month"
	case age <= 90*24*time.Hour:
		return "last-quarter"
	case age <= 365*24*time.Hour:
		return "last-year"
	default:
		return "older"
	}
}

// SimilarityFields selects which per-field scores Similarity averages.
type SimilarityFields struct {
	Text bool
	Type bool
	Tags bool
}

// Similarity scores up to 500 most-recently-created user nodes against
// referenceID, filtering below threshold and capping at maxResults.
func (e *Engine) Similarity(ctx context.Context, referenceID string, fields SimilarityFields, threshold float64, maxResults int) ([]Result, error) {
	refRow := e.c.QueryRow(ctx, `SELECT name, content, node_type, fields_json FROM nodes WHERE id = ?`, referenceID)
	var refName, refContent, refType, refFieldsJSON string
	if err := refRow.Scan(&refName, &refContent, &refType, &refFieldsJSON); err != nil {
		return nil, graph.NotFound("node", referenceID)
	}
	refWords := wordSet(refName + " " + refContent)
	refTags := tagSet(refContent)

	rows, err := e.c.Query(ctx, `
SELECT id, name, content, node_type FROM nodes
WHERE id != ? AND is_system_node = 0
ORDER BY created_at DESC LIMIT 500`, referenceID)
	if err != nil {
		return nil, graph.Internal("similarity candidates", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var id, name, content, nodeType string
		if err := rows.Scan(&id, &name, &content, &nodeType); err != nil {
			return nil, graph.Internal("scan similarity row", err)
		}

		var scores []float64
		if fields.Text || (!fields.Text && !fields.Type && !fields.Tags) {
			scores = append(scores, jaccard(refWords, wordSet(name+" "+content)))
		}
		if fields.Type {
			if nodeType == refType {
				scores = append(scores, 1.0)
			} else {
				scores = append(scores, 0.0)
			}
		}
		if fields.Tags {
			scores = append(scores, jaccard(refTags, tagSet(content)))
		}

		score := average(scores)
		if score < threshold {
			continue
		}
		results = append(results, Result{NodeID: id, Name: name, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, graph.Internal("iterate similarity rows", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func wordSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

func tagSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, t := range textutil.ExtractHashTags(s) {
		set[strings.ToLower(t)] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func average(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// FusionMode selects how Hybrid combines its three branches (§4.10).
type FusionMode string

const (
	FusionLinear   FusionMode = "linear"
	FusionRank     FusionMode = "rank"
	FusionWeighted FusionMode = "weighted"
)

// Branch is one scored result list feeding Hybrid (text, graph-context, or
// similarity).
type Branch struct {
	Name    string
	Weight  float64
	Results []Result
}

// Hybrid fuses branches per mode. Weights across branches must sum to 1.0
// within a 0.01 tolerance (§4.10); violating that is a validation error.
func Hybrid(branches []Branch, mode FusionMode) ([]Result, error) {
	var total float64
	for _, b := range branches {
		total += b.Weight
	}
	if math.Abs(total-1.0) > 0.01 {
		return nil, graph.Validation("weights", "sum_to_one", fmt.Sprintf("%f", total))
	}

	fused := map[string]float64{}
	names := map[string]string{}

	for _, b := range branches {
		switch mode {
		case FusionRank:
			ranked := append([]Result(nil), b.Results...)
			sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
			for i, r := range ranked {
				fused[r.NodeID] += b.Weight * (1.0 / float64(i+2))
				names[r.NodeID] = r.Name
			}
		case FusionWeighted:
			max := 0.0
			for _, r := range b.Results {
				if r.Score > max {
					max = r.Score
				}
			}
			for _, r := range b.Results {
				norm := 0.0
				if max > 0 {
					norm = r.Score / max
				}
				fused[r.NodeID] += b.Weight * norm
				names[r.NodeID] = r.Name
			}
		default: // FusionLinear
			for _, r := range b.Results {
				fused[r.NodeID] += b.Weight * r.Score
				names[r.NodeID] = r.Name
			}
		}
	}

	out := make([]Result, 0, len(fused))
	for id, score := range fused {
		out = append(out, Result{NodeID: id, Name: names[id], Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}

// Autocomplete compounds node-name prefix matches (70%) with tag frequency
// (30%) for a >= 2-character prefix, caching the compiled result set.
func (e *Engine) Autocomplete(ctx context.Context, prefix string, limit int) ([]Result, error) {
	if len(prefix) < 2 {
		return nil, graph.Validation("prefix", "min_length", prefix)
	}
	if limit <= 0 {
		limit = 10
	}
	cacheKey := fmt.Sprintf("%s|%d", strings.ToLower(prefix), limit)
	if cached, ok := e.cache.Get(cacheKey); ok {
		return cached, nil
	}

	nameRows, err := e.c.Query(ctx, `SELECT id, name FROM nodes WHERE name LIKE ? ORDER BY name LIMIT ?`, prefix+"%", limit*2)
	if err != nil {
		return nil, graph.Internal("autocomplete name query", err)
	}
	type hit struct {
		id, name string
		prefixed bool
		freq     int64
	}
	var hits []hit
	for nameRows.Next() {
		var id, name string
		if err := nameRows.Scan(&id, &name); err != nil {
			_ = nameRows.Close()
			return nil, graph.Internal("scan autocomplete row", err)
		}
		hits = append(hits, hit{id: id, name: name, prefixed: true})
	}
	_ = nameRows.Close()

	tagRow := e.c.QueryRow(ctx, `SELECT COUNT(*) FROM nodes_fts WHERE tags LIKE ?`, prefix+"%")
	var tagFreq int64
	_ = tagRow.Scan(&tagFreq)

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].prefixed != hits[j].prefixed {
			return hits[i].prefixed
		}
		return hits[i].freq > hits[j].freq
	})

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		score := 0.7*1.0 + 0.3*normalizeFreq(tagFreq)
		results = append(results, Result{NodeID: h.id, Name: h.name, Score: score})
	}
	if len(results) > limit {
		results = results[:limit]
	}

	e.cache.SetWithTTL(cacheKey, results, 1, 30*time.Second)
	e.cache.Wait()
	return results, nil
}

func normalizeFreq(freq int64) float64 {
	if freq <= 0 {
		return 0
	}
	return math.Min(1.0, float64(freq)/100.0)
}
