package ingest_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisaross/tana-local-kb-sub000/internal/config"
	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/ingest"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/graphrepo"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/txn"
	"github.com/lisaross/tana-local-kb-sub000/internal/storetest"
	"github.com/lisaross/tana-local-kb-sub000/internal/telemetry"
)

func reader(doc string) func() (io.Reader, error) {
	return func() (io.Reader, error) {
		return bytes.NewReader([]byte(doc)), nil
	}
}

func newPipeline(t *testing.T) (*ingest.Pipeline, *graphrepo.Repo) {
	t.Helper()
	c := storetest.OpenMemory(t)
	mgr := txn.NewManager(c, telemetry.NewBus(telemetry.NewLogger("test: ")))
	repo := graphrepo.New(c, mgr)
	return ingest.New(repo, nil), repo
}

func TestRunIngestsAllRecordsAndCompletesImport(t *testing.T) {
	pipeline, repo := newPipeline(t)
	doc := `{"nodes":[
		{"id":"n1","name":"Alpha","created":1700000000},
		{"id":"n2","name":"Beta","created":1700000001}
	]}`

	result, err := pipeline.Run(context.Background(), reader(doc), ingest.Options{IngestConfig: config.DefaultIngestConfig()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.NodesCreated)
	assert.NotEmpty(t, result.ImportID)

	imp, err := repo.GetImport(context.Background(), result.ImportID)
	require.NoError(t, err)
	assert.Equal(t, graph.ImportCompleted, imp.Status)
	assert.Equal(t, int64(2), imp.NodeCount)

	n1, err := repo.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", n1.Name)
}

func TestRunSkipsSystemNodesWhenConfigured(t *testing.T) {
	pipeline, repo := newPipeline(t)
	doc := `{"nodes":[
		{"id":"n1","name":"Alpha","created":1700000000},
		{"id":"SYS_root","name":"System","created":1700000001}
	]}`

	cfg := config.DefaultIngestConfig()
	cfg.SkipSystemNodes = true
	result, err := pipeline.Run(context.Background(), reader(doc), ingest.Options{IngestConfig: cfg})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.NodesCreated)

	_, err = repo.GetNode(context.Background(), "SYS_root")
	require.Error(t, err)
}

func TestRunAbortsOnFirstMalformedRecordWithoutContinueOnError(t *testing.T) {
	pipeline, _ := newPipeline(t)
	doc := `{"nodes":[
		{"id":"n1","name":"Alpha","created":1700000000},
		{"name":"missing id","created":1700000001}
	]}`

	cfg := config.DefaultIngestConfig()
	cfg.CountTotal = false
	result, err := pipeline.Run(context.Background(), reader(doc), ingest.Options{IngestConfig: cfg})
	require.Error(t, err)
	assert.NotEmpty(t, result.Errors)
}

func TestRunContinueOnErrorCollectsErrorsAndKeepsIngesting(t *testing.T) {
	pipeline, repo := newPipeline(t)
	doc := `{"nodes":[
		{"name":"missing id","created":1700000000},
		{"id":"n2","name":"Beta","created":1700000001}
	]}`

	cfg := config.DefaultIngestConfig()
	cfg.CountTotal = false
	cfg.ContinueOnError = true
	result, err := pipeline.Run(context.Background(), reader(doc), ingest.Options{IngestConfig: cfg})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.NodesCreated)
	require.Len(t, result.Errors, 1)

	_, err = repo.GetNode(context.Background(), "n2")
	require.NoError(t, err)
}

func TestRunAbortsWithMemoryLimitWhenHeapStaysOverLimitAfterFlush(t *testing.T) {
	pipeline, _ := newPipeline(t)
	doc := `{"nodes":[
		{"id":"n1","name":"Alpha","created":1700000000},
		{"id":"n2","name":"Beta","created":1700000001}
	]}`

	cfg := config.DefaultIngestConfig()
	cfg.MemoryLimitMB = 1 // far below actual heap usage, so the guard always trips
	_, err := pipeline.Run(context.Background(), reader(doc), ingest.Options{IngestConfig: cfg})
	require.Error(t, err)
	var gerr *graph.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, graph.KindMemoryLimit, gerr.Kind)
}

func TestRunEmitsMemoryWarningAndContinuesWhenContinueOnErrorIsSet(t *testing.T) {
	pipeline, repo := newPipeline(t)
	doc := `{"nodes":[
		{"id":"n1","name":"Alpha","created":1700000000},
		{"id":"n2","name":"Beta","created":1700000001}
	]}`

	var gotWarning bool
	bus := telemetry.NewBus(telemetry.NewLogger("test: "))
	bus.Subscribe(func(e telemetry.Event) {
		if e.Kind == telemetry.EventMemoryWarning {
			gotWarning = true
		}
	})
	pipeline = ingest.New(repo, bus)

	cfg := config.DefaultIngestConfig()
	cfg.MemoryLimitMB = 1
	cfg.ContinueOnError = true
	result, err := pipeline.Run(context.Background(), reader(doc), ingest.Options{IngestConfig: cfg})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.NodesCreated)
	assert.True(t, gotWarning)
}

func TestRunReportsProgressViaCallback(t *testing.T) {
	pipeline, _ := newPipeline(t)
	doc := `{"nodes":[{"id":"n1","name":"Alpha","created":1700000000}]}`

	cfg := config.DefaultIngestConfig()
	cfg.ProgressIntervalMS = 0 // force the terminal callback at the end of Run
	var last ingest.Progress
	_, err := pipeline.Run(context.Background(), reader(doc), ingest.Options{
		IngestConfig: cfg,
		OnProgress:   func(p ingest.Progress) { last = p },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.Processed)
}
