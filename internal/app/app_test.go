package app_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/gestalt/config"
	"github.com/agentstation/gestalt/internal/app"
	"github.com/agentstation/gestalt/pipeline"
)

func newApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	cfg.Pipeline.MaxConcurrentNodes = 2
	a, err := app.New(cfg, &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestGenerateStoresModule(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()

	out, err := a.Generate(ctx, pipeline.Problem{
		Text:      "A ball is dropped from 20 m. How long does it fall?",
		Reference: "t = sqrt(2h/g) = 2.02 s",
	}, "")
	require.NoError(t, err)
	require.NotNil(t, out.Record)
	assert.Len(t, out.Result.Artifacts, 5)
	assert.True(t, out.Record.Adaptive)
	assert.NotEmpty(t, out.Result.ResumptionKey)

	content, err := a.Repository.ReadFile(ctx, out.Record.ID, "info.json")
	require.NoError(t, err)
	assert.Contains(t, string(content), out.Record.ID)

	n, err := testutil.GatherAndCount(a.Registry, "gestalt_pipeline_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGenerateFailureReturnsPartialResult(t *testing.T) {
	a := newApp(t)
	out, err := a.Generate(context.Background(), pipeline.Problem{Text: "  "}, "k")
	require.Error(t, err)
	assert.NotEmpty(t, out.Error)
	assert.Nil(t, out.Record)
}

func TestGenerateBatch(t *testing.T) {
	a := newApp(t)
	outcomes := a.GenerateBatch(context.Background(), []pipeline.Problem{
		{Text: "Explain why ice floats on water."},
		{Text: ""},
		{Text: "A 5 kg mass accelerates at 2 m/s^2. What force acts on it?"},
	})
	require.Len(t, outcomes, 3)
	assert.NotNil(t, outcomes[0].Record)
	assert.NotEmpty(t, outcomes[1].Error)
	assert.NotNil(t, outcomes[2].Record)
	assert.Equal(t, "batch-2", outcomes[2].Result.ResumptionKey)

	records, err := a.Repository.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRetrievalCacheReusesExamples(t *testing.T) {
	a := newApp(t)
	require.NotNil(t, a.RetrievalCache)
	problem := pipeline.Problem{Text: "A spring is compressed by 0.2 m. How much energy does it store?"}

	_, err := a.Generate(context.Background(), problem, "")
	require.NoError(t, err)
	stats := a.RetrievalCache.Stats()
	assert.Equal(t, int64(len(pipeline.Kinds)), stats.Sets, "one entry per kind")
	assert.Equal(t, len(pipeline.Kinds), stats.Size)

	_, err = a.Generate(context.Background(), problem, "")
	require.NoError(t, err)
	stats = a.RetrievalCache.Stats()
	assert.GreaterOrEqual(t, stats.Hits, int64(1))
}

func TestNewRejectsBadRules(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Dir = ""
	cfg.Collaborators.Rules = "/does/not/exist.lua"
	_, err := app.New(cfg, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestHTTPModeWiresBreakersAndMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Dir = ""
	cfg.Collaborators.Mode = config.ModeHTTP
	cfg.Collaborators.HTTP.BaseURL = "http://127.0.0.1:1"
	a, err := app.New(cfg, &bytes.Buffer{})
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Breakers)
	assert.NotNil(t, a.Memory)
	assert.Nil(t, a.Repository)
}

func TestParseProblems(t *testing.T) {
	list, err := app.ParseProblems([]byte(`
- question_text: Why is the sky blue?
- question_text: A car travels 100 miles in 2 hours. What is its speed?
  solution_guide: speed = 50 mph
`))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "speed = 50 mph", list[1].Reference)

	list, err = app.ParseProblems([]byte(`{"problems": [{"question_text": "Q1"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "Q1", list[0].Text)

	_, err = app.ParseProblems([]byte(`[]`))
	assert.ErrorIs(t, err, app.ErrNoProblems)

	_, err = app.ParseProblems([]byte(`- solution_guide: only`))
	assert.Error(t, err)
}
