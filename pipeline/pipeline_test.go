package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentstation/gestalt"
	"github.com/agentstation/gestalt/batch"
	"github.com/agentstation/gestalt/internal/testutil"
	"github.com/agentstation/gestalt/pipeline"
)

func newPipeline(t *testing.T, collab pipeline.Collaborators, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(collab, opts...)
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	return p
}

func metadata(t *testing.T, res *pipeline.Result) pipeline.Metadata {
	t.Helper()
	raw, ok := res.Artifacts["info.json"]
	if !ok {
		t.Fatalf("info.json missing from %v", keys(res.Artifacts))
	}
	var meta pipeline.Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		t.Fatalf("info.json is not valid JSON: %v", err)
	}
	return meta
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestPipelineStaticProblem(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeStatic)
	p := newPipeline(t, fakes.Collaborators())

	res, err := p.Run(context.Background(), testutil.StaticProblem, "static-1")
	assert.NoError(err)
	assert.Keys(res.Artifacts, "question.html", "solution.html", "info.json")
	assert.Equal("static-1", res.ResumptionKey)

	meta := metadata(t, res)
	assert.False(meta.IsAdaptive)
	assert.Equal(pipeline.TypeStatic, meta.QuestionType)
	assert.Equal([]string{}, meta.Languages)
	assert.True(meta.AIGenerated)

	assert.Len(fakes.Generator.Requests(pipeline.KindScriptA), 0, "static problems get no scripts")
	assert.Len(fakes.Generator.Requests(pipeline.KindScriptB), 0)
}

func TestPipelineTracesTakenNodes(t *testing.T) {
	assert := testutil.NewAssert(t)
	tracer := testutil.NewMockTracer()
	fakes := testutil.NewFakes(pipeline.TypeStatic)
	p := newPipeline(t, fakes.Collaborators(), pipeline.WithTracer(tracer))

	_, err := p.Run(context.Background(), testutil.StaticProblem, "")
	assert.NoError(err)

	names := map[string]bool{}
	for _, span := range tracer.GetSpans() {
		names[span.Name] = true
		assert.False(span.EndTime.IsZero(), "span %s never ended", span.Name)
	}
	for _, want := range []string{
		"gestalt/" + pipeline.NodeClassify,
		"gestalt/" + pipeline.NodeGeneratePrimary,
		"gestalt/" + pipeline.NodeGenerateSolution,
		"gestalt/" + pipeline.NodeAggregateMetadata,
	} {
		assert.True(names[want], "missing span %s", want)
	}
	assert.False(names["gestalt/"+pipeline.NodeGenerateScriptA], "skipped branch was traced")
}

func TestPipelineComputationalProblem(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeComputational)
	p := newPipeline(t, fakes.Collaborators())

	res, err := p.Run(context.Background(), testutil.ComputationalProblem, "")
	assert.NoError(err)
	assert.Keys(res.Artifacts, "question.html", "solution.html", "server.js", "server.py", "info.json")
	assert.True(res.ResumptionKey != "", "empty resumption key is replaced")

	meta := metadata(t, res)
	assert.True(meta.IsAdaptive)
	assert.Equal([]string{"javascript", "python"}, meta.Languages)
	assert.Equal([]string{"kinematics"}, meta.Topics)
	assert.Equal("Sample Problem", meta.Title)
	assert.Equal(pipeline.TypeComputational, res.Classification.Type)
	assert.Len(fakes.Classifier.Calls(), 1)
}

func TestPipelineSecondaryGeneratorsSeePrimaryDocument(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeComputational)
	p := newPipeline(t, fakes.Collaborators())

	res, err := p.Run(context.Background(), testutil.ComputationalProblem, "doc")
	assert.NoError(err)

	primary := res.Artifacts["question.html"]
	for _, kind := range []pipeline.Kind{pipeline.KindSolution, pipeline.KindScriptA, pipeline.KindScriptB} {
		reqs := fakes.Generator.Requests(kind)
		assert.Len(reqs, 1, "kind %s", kind)
		assert.Equal(primary, reqs[0].Document, "kind %s document", kind)
		assert.Equal(testutil.ComputationalProblem.Reference, reqs[0].Reference)
	}
	assert.Equal("", fakes.Generator.Requests(pipeline.KindPrimary)[0].Document)

	assert.True(res.Classification != nil, "result carries the classification")
	for _, kind := range pipeline.Kinds {
		reqs := fakes.Generator.Requests(kind)
		assert.Equal(*res.Classification, reqs[0].Classification, "kind %s classification", kind)
	}

	var primaryQueries, documentQueries int
	for _, call := range fakes.Retriever.Calls() {
		assert.True(call.Adaptive)
		switch call.Query {
		case testutil.ComputationalProblem.Text:
			primaryQueries++
		case primary:
			documentQueries++
		default:
			t.Errorf("unexpected retrieval query %q", call.Query)
		}
	}
	assert.Equal(1, primaryQueries)
	assert.Equal(3, documentQueries)
}

func TestPipelinePerKindRetrievers(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeComputational)
	collab := fakes.Collaborators()
	scripts := &testutil.MockRetriever{Examples: []string{"js example"}}
	python := &testutil.MockRetriever{Examples: []string{"py example"}}
	collab.Retrievers = map[pipeline.Kind]pipeline.Retriever{
		pipeline.KindScriptA: scripts,
		pipeline.KindScriptB: python,
	}
	p := newPipeline(t, collab)

	_, err := p.Run(context.Background(), testutil.ComputationalProblem, "")
	assert.NoError(err)

	assert.Equal([]string{"js example"}, fakes.Generator.Requests(pipeline.KindScriptA)[0].Examples)
	assert.Equal([]string{"py example"}, fakes.Generator.Requests(pipeline.KindScriptB)[0].Examples)
	assert.Equal([]string{"example one", "example two"}, fakes.Generator.Requests(pipeline.KindSolution)[0].Examples)
	assert.Len(scripts.Calls(), 1)
	assert.Len(python.Calls(), 1)
	assert.Len(fakes.Retriever.Calls(), 2, "shared retriever serves primary and solution")
}

func TestPipelineExamplesAreCapped(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeStatic)
	p := newPipeline(t, fakes.Collaborators())

	_, err := p.Run(context.Background(), testutil.StaticProblem, "")
	assert.NoError(err)
	reqs := fakes.Generator.Requests(pipeline.KindSolution)
	assert.Equal([]string{"example one", "example two"}, reqs[0].Examples)
}

func TestPipelineRetrieverFailureDegrades(t *testing.T) {
	assert := testutil.NewAssert(t)
	logger := testutil.NewMockLogger()
	fakes := testutil.NewFakes(pipeline.TypeStatic)
	fakes.Retriever.Err = errors.New("index offline")
	p := newPipeline(t, fakes.Collaborators(), pipeline.WithLogger(logger))

	res, err := p.Run(context.Background(), testutil.StaticProblem, "")
	assert.NoError(err)
	assert.Keys(res.Artifacts, "question.html", "solution.html", "info.json")
	assert.Len(fakes.Generator.Requests(pipeline.KindSolution)[0].Examples, 0)
	assert.True(logger.HasEntry("warn", "retrieval failed, continuing without examples"))
}

func TestPipelineWithoutRetriever(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeStatic)
	collab := fakes.Collaborators()
	collab.Retriever = nil
	p := newPipeline(t, collab)

	_, err := p.Run(context.Background(), testutil.StaticProblem, "")
	assert.NoError(err)
	assert.Len(fakes.Generator.Requests(pipeline.KindPrimary)[0].Examples, 0)
}

func TestPipelineGenerationFailureKeepsSiblings(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeComputational)
	boom := errors.New("script runtime unavailable")
	fakes.Generator.Errors[pipeline.KindScriptB] = boom
	p := newPipeline(t, fakes.Collaborators())

	res, err := p.Run(context.Background(), testutil.ComputationalProblem, "partial")
	assert.Error(err)

	var runErr *gestalt.RunError
	assert.True(errors.As(err, &runErr))
	assert.True(runErr.Failed(pipeline.NodeGenerateScriptB))
	assert.Equal([]string{pipeline.NodeAggregateMetadata}, runErr.Skipped)

	var genErr *pipeline.GenerationError
	assert.True(errors.As(err, &genErr))
	assert.Equal(pipeline.KindScriptB, genErr.Kind)
	assert.ErrorIs(err, boom)

	assert.Keys(res.Artifacts, "question.html", "solution.html", "server.js")
	assert.Equal("partial", res.ResumptionKey)
}

func TestPipelineClassificationFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *testutil.Fakes)
		wantErr error
	}{
		{
			name:    "classifier error",
			setup:   func(f *testutil.Fakes) { f.Classifier.Err = errors.New("model overloaded") },
			wantErr: nil,
		},
		{
			name:    "unrecognized type",
			setup:   func(f *testutil.Fakes) { f.Classifier.Result.Type = "essay" },
			wantErr: pipeline.ErrUnrecognizedType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := testutil.NewAssert(t)
			fakes := testutil.NewFakes(pipeline.TypeStatic)
			tt.setup(fakes)
			p := newPipeline(t, fakes.Collaborators())

			res, err := p.Run(context.Background(), testutil.StaticProblem, "")
			var ce *pipeline.ClassificationError
			assert.True(errors.As(err, &ce), "got %v", err)
			if tt.wantErr != nil {
				assert.ErrorIs(err, tt.wantErr)
			}
			assert.Len(res.Artifacts, 0)
			assert.Nil(res.Classification)
			for _, kind := range pipeline.Kinds {
				assert.Len(fakes.Generator.Requests(kind), 0, "no generator runs after a failed classification")
			}
		})
	}
}

func TestPipelineEmptyProblem(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeStatic)
	p := newPipeline(t, fakes.Collaborators())

	_, err := p.Run(context.Background(), pipeline.Problem{Text: "  "}, "")
	assert.ErrorIs(err, pipeline.ErrEmptyProblem)
	assert.Len(fakes.Classifier.Calls(), 0)
}

func TestPipelineRejectsPresetClassification(t *testing.T) {
	fakes := testutil.NewFakes(pipeline.TypeStatic)
	p := newPipeline(t, fakes.Collaborators())

	ga := testutil.NewGraphAssert(t)
	runErr := ga.GraphFails(p.Graph(), gestalt.Update{
		pipeline.FieldInput:          testutil.StaticProblem,
		pipeline.FieldClassification: pipeline.Classification{Type: pipeline.TypeStatic},
	})
	ga.ErrorIs(runErr, pipeline.ErrAlreadyClassified)
	ga.True(runErr.Failed(pipeline.NodeClassify))
}

func TestPipelineRefinementBound(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeComputational)
	fakes.Validator.Always = true

	cfg := pipeline.DefaultConfig()
	cfg.MaxRefinements = 2
	p := newPipeline(t, fakes.Collaborators(), pipeline.WithConfig(cfg))

	res, err := p.Run(context.Background(), testutil.ComputationalProblem, "")
	assert.NoError(err)
	assert.Equal(map[string]int{
		"question.html": 0,
		"solution.html": 2,
		"server.js":     2,
		"server.py":     2,
	}, res.Refinements)
	assert.True(strings.HasSuffix(res.Artifacts["solution.html"], strings.Repeat(testutil.RevisionMarker, 2)))
	assert.False(strings.Contains(res.Artifacts["question.html"], testutil.RevisionMarker))
}

func TestPipelineScriptImprovedWithoutReference(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeComputational)
	p := newPipeline(t, fakes.Collaborators())

	problem := testutil.ComputationalProblem
	problem.Reference = ""
	res, err := p.Run(context.Background(), problem, "")
	assert.NoError(err)

	assert.True(strings.HasSuffix(res.Artifacts["server.js"], testutil.RevisionMarker), "script A gets one improve pass")
	assert.False(strings.Contains(res.Artifacts["server.py"], testutil.RevisionMarker))
	assert.False(strings.Contains(res.Artifacts["solution.html"], testutil.RevisionMarker))
	assert.Equal(0, res.Refinements["server.js"])
	assert.Equal(0, fakes.Validator.Calls())
}

func TestPipelineSecondaryGeneratorsRunConcurrently(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeComputational)

	var wg sync.WaitGroup
	wg.Add(3)
	arrived := make(chan struct{})
	go func() {
		wg.Wait()
		close(arrived)
	}()

	barrier := pipeline.GeneratorFunc(func(ctx context.Context, req pipeline.GenerationRequest) (string, error) {
		if req.Kind != pipeline.KindPrimary {
			wg.Done()
			select {
			case <-arrived:
			case <-time.After(2 * time.Second):
				return "", fmt.Errorf("%s waited alone", req.Kind)
			}
		}
		return fakes.Generator.Generate(ctx, req)
	})
	collab := fakes.Collaborators()
	for _, kind := range pipeline.Kinds {
		collab.Generators[kind] = barrier
	}

	p := newPipeline(t, collab)
	res, err := p.Run(context.Background(), testutil.ComputationalProblem, "")
	assert.NoError(err)
	assert.Len(res.Artifacts, 5)
}

func TestPipelineCarriesResumptionKey(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeStatic)

	var mu sync.Mutex
	seen := map[string]bool{}
	collab := fakes.Collaborators()
	collab.Classifier = pipeline.ClassifierFunc(func(ctx context.Context, problem string) (pipeline.Classification, error) {
		key, _ := gestalt.ResumptionKey(ctx)
		mu.Lock()
		seen[key] = true
		mu.Unlock()
		return fakes.Classifier.Classify(ctx, problem)
	})
	for _, kind := range pipeline.Kinds {
		collab.Generators[kind] = pipeline.GeneratorFunc(func(ctx context.Context, req pipeline.GenerationRequest) (string, error) {
			key, _ := gestalt.ResumptionKey(ctx)
			mu.Lock()
			seen[key] = true
			mu.Unlock()
			return fakes.Generator.Generate(ctx, req)
		})
	}

	p := newPipeline(t, collab)
	_, err := p.Run(context.Background(), testutil.StaticProblem, "session-42")
	assert.NoError(err)
	assert.Equal(map[string]bool{"session-42": true}, seen)
}

func TestPipelineCancellation(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeComputational)
	fakes.Generator.Delays[pipeline.KindSolution] = time.Minute

	p := newPipeline(t, fakes.Collaborators())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := p.Run(ctx, testutil.ComputationalProblem, "")
	assert.ErrorIs(err, context.DeadlineExceeded)
	_, hasPrimary := res.Artifacts["question.html"]
	assert.True(hasPrimary, "artifacts merged before cancellation are kept")
	_, hasMeta := res.Artifacts["info.json"]
	assert.False(hasMeta)
}

func TestPipelineRecordsRuns(t *testing.T) {
	assert := testutil.NewAssert(t)
	rec := &runRecorder{}

	fakes := testutil.NewFakes(pipeline.TypeStatic)
	p := newPipeline(t, fakes.Collaborators(), pipeline.WithRunRecorder(rec))
	_, err := p.Run(context.Background(), testutil.StaticProblem, "")
	assert.NoError(err)

	fakes.Classifier.Err = errors.New("down")
	_, err = p.Run(context.Background(), testutil.StaticProblem, "")
	assert.Error(err)

	assert.Equal([]string{"success", "classification_error"}, rec.statuses())
}

type runRecorder struct {
	mu  sync.Mutex
	got []string
}

func (r *runRecorder) RecordRun(status string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, status)
}

func (r *runRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestPipelineRunBatch(t *testing.T) {
	assert := testutil.NewAssert(t)
	fakes := testutil.NewFakes(pipeline.TypeStatic)
	collab := fakes.Collaborators()
	collab.Classifier = pipeline.ClassifierFunc(func(ctx context.Context, problem string) (pipeline.Classification, error) {
		if strings.Contains(problem, "mph") {
			return pipeline.Classification{Title: "Speed", Type: pipeline.TypeComputational}, nil
		}
		return pipeline.Classification{Title: "Sky", Type: pipeline.TypeStatic}, nil
	})
	p := newPipeline(t, collab)

	problems := []pipeline.Problem{
		testutil.ComputationalProblem,
		testutil.StaticProblem,
		testutil.ComputationalProblem,
		testutil.StaticProblem,
	}
	outcomes := p.RunBatch(context.Background(), problems, "batch", batch.WithConcurrency(4))
	assert.Len(outcomes, 4)
	for i, o := range outcomes {
		assert.NoError(o.Err)
		assert.Equal(i, o.Index)
		assert.Equal(fmt.Sprintf("batch-%d", i), o.Result.ResumptionKey)
		want := 3
		if i%2 == 0 {
			want = 5
		}
		assert.Len(o.Result.Artifacts, want, "problem %d", i)
	}
}

func TestPipelineGraphShape(t *testing.T) {
	fakes := testutil.NewFakes(pipeline.TypeStatic)
	g := newPipeline(t, fakes.Collaborators()).Graph()

	want := []string{
		pipeline.NodeClassify,
		pipeline.NodeGeneratePrimary,
		pipeline.NodeGenerateSolution,
		pipeline.NodeGenerateScriptA,
		pipeline.NodeGenerateScriptB,
		pipeline.NodeAggregateMetadata,
	}
	if got := g.Nodes(); !reflect.DeepEqual(got, want) {
		t.Errorf("Nodes() = %v, want %v", got, want)
	}
	if g.Start() != pipeline.NodeClassify {
		t.Errorf("Start() = %q", g.Start())
	}
	targets, conditional := g.Edges(pipeline.NodeGeneratePrimary)
	if !conditional || len(targets) != 3 {
		t.Errorf("Edges(generate-primary) = %v, %v", targets, conditional)
	}
}

func TestNewValidatesConfiguration(t *testing.T) {
	fakes := testutil.NewFakes(pipeline.TypeStatic)

	cfg := pipeline.DefaultConfig()
	script := cfg.Artifacts[pipeline.KindScriptB]
	script.Key = "server.js"
	cfg.Artifacts[pipeline.KindScriptB] = script
	if _, err := pipeline.New(fakes.Collaborators(), pipeline.WithConfig(cfg)); !errors.Is(err, pipeline.ErrDuplicateKey) {
		t.Errorf("duplicate key: err = %v, want ErrDuplicateKey", err)
	}

	collab := fakes.Collaborators()
	delete(collab.Generators, pipeline.KindScriptA)
	if _, err := pipeline.New(collab); !errors.Is(err, pipeline.ErrMissingCollaborator) {
		t.Errorf("missing generator: err = %v, want ErrMissingCollaborator", err)
	}

	collab = fakes.Collaborators()
	collab.Classifier = nil
	if _, err := pipeline.New(collab); !errors.Is(err, pipeline.ErrMissingCollaborator) {
		t.Errorf("missing classifier: err = %v, want ErrMissingCollaborator", err)
	}
}

func TestBuildMetadata(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	meta := pipeline.BuildMetadata(
		pipeline.Classification{Title: "T", Type: pipeline.TypeComputational},
		map[string]string{"question.html": "q", "server.py": "p"},
		cfg,
	)
	if !reflect.DeepEqual(meta.Languages, []string{"python"}) {
		t.Errorf("Languages = %v", meta.Languages)
	}
	if meta.Topics == nil {
		t.Error("Topics must encode as an empty list")
	}
}
