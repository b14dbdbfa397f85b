// Package pipeline assembles the module synthesis graph: classify a problem,
// generate its primary document, fan out to the secondary generators the
// classification calls for, and aggregate metadata once every activated
// branch has finished.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/agentstation/gestalt"
	"github.com/agentstation/gestalt/batch"
	"github.com/agentstation/gestalt/middleware"
	"github.com/agentstation/gestalt/refine"
)

// Collaborators are the external services the pipeline calls.
type Collaborators struct {
	Classifier Classifier
	// Generators holds one generator per artifact kind.
	Generators map[Kind]Generator
	// Retriever is used for every kind without an entry in Retrievers. It
	// may be nil, in which case generators get no examples.
	Retriever  Retriever
	Retrievers map[Kind]Retriever
	Validator  refine.Validator
	Improver   refine.Improver
}

// Pipeline runs the synthesis graph. It holds no per-run state and is safe
// for concurrent use.
type Pipeline struct {
	graph    *gestalt.Graph
	config   Config
	logger   gestalt.Logger
	recorder RunRecorder
}

// Result is the outcome of one run.
type Result struct {
	Artifacts      map[string]string `json:"artifacts"`
	Classification *Classification   `json:"classification,omitempty"`
	ResumptionKey  string            `json:"resumption_key"`
	// Refinements counts improve passes per artifact key.
	Refinements map[string]int `json:"refinements,omitempty"`
}

// New validates the configuration and builds the graph.
func New(collab Collaborators, opts ...Option) (*Pipeline, error) {
	o := &options{
		config: DefaultConfig(),
		logger: gestalt.NopLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if collab.Classifier == nil {
		return nil, fmt.Errorf("%w: classifier", ErrMissingCollaborator)
	}
	for _, kind := range Kinds {
		if collab.Generators[kind] == nil {
			return nil, fmt.Errorf("%w: generator for %s", ErrMissingCollaborator, kind)
		}
	}

	graphOpts := []gestalt.GraphOption{gestalt.WithLogger(o.logger)}
	if o.tracer != nil {
		graphOpts = append(graphOpts, gestalt.WithTracer(o.tracer))
	}
	wrap := func(n gestalt.Node) gestalt.Node {
		return middleware.Apply(n, o.middlewares...)
	}

	nodes := []gestalt.Node{wrap(newClassifyNode(collab.Classifier, cfg))}
	for _, kind := range Kinds {
		ac := cfg.Artifacts[kind]
		retriever := collab.Retriever
		if r, ok := collab.Retrievers[kind]; ok {
			retriever = r
		}
		wfOpts := []refine.Option{
			refine.WithMaxIterations(cfg.MaxRefinements),
			refine.WithGuidance(ac.Guidance),
			refine.WithLogger(o.logger),
		}
		if ac.ImproveWithoutReference {
			wfOpts = append(wfOpts, refine.WithImproveWithoutReference())
		}
		var validator refine.Validator
		var improver refine.Improver
		if ac.Refine || ac.ImproveWithoutReference {
			validator, improver = collab.Validator, collab.Improver
		}

		n, err := newGeneratorNode(generatorSpec{
			kind:       kind,
			artifact:   ac,
			primaryKey: cfg.Artifacts[KindPrimary].Key,
			generator:  collab.Generators[kind],
			retriever:  retriever,
			workflow:   refine.New(validator, improver, wfOpts...),
			cfg:        cfg,
			logger:     o.logger,
		}, graphOpts...)
		if err != nil {
			return nil, fmt.Errorf("pipeline: build %s generator: %w", kind, err)
		}
		nodes = append(nodes, wrap(n))
	}
	nodes = append(nodes, wrap(newAggregateNode(cfg)))

	g, err := gestalt.NewBuilder("gestalt", Schema()).
		Add(nodes...).
		Connect(NodeClassify, NodeGeneratePrimary).
		Route(NodeGeneratePrimary, routeByClassification,
			NodeGenerateSolution, NodeGenerateScriptA, NodeGenerateScriptB).
		Connect(NodeGenerateSolution, NodeAggregateMetadata).
		Connect(NodeGenerateScriptA, NodeAggregateMetadata).
		Connect(NodeGenerateScriptB, NodeAggregateMetadata).
		Build(graphOpts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build graph: %w", err)
	}

	return &Pipeline{graph: g, config: cfg, logger: o.logger, recorder: o.recorder}, nil
}

// Graph returns the top-level graph.
func (p *Pipeline) Graph() *gestalt.Graph { return p.graph }

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.config }

// Run synthesizes the artifacts for one problem. An empty resumption key is
// replaced by a generated one.
//
// On failure the returned Result still holds every artifact merged before
// the run stopped, and the error is a *gestalt.RunError wrapping the
// collaborator errors (ClassificationError, GenerationError).
func (p *Pipeline) Run(ctx context.Context, problem Problem, resumptionKey string) (*Result, error) {
	if resumptionKey == "" {
		resumptionKey = uuid.NewString()
	}
	ctx = gestalt.WithResumptionKey(ctx, resumptionKey)
	start := time.Now()

	initial, err := p.graph.NewState(inputKey.Set(nil, problem))
	if err != nil {
		return nil, err
	}

	p.logger.Info(ctx, "pipeline run started", "resumption_key", resumptionKey)
	final, err := p.graph.Run(ctx, initial)
	res := resultFrom(final, resumptionKey)

	status := "success"
	if err != nil {
		status = failureStatus(err)
		p.logger.Error(ctx, "pipeline run failed",
			"resumption_key", resumptionKey,
			"status", status,
			"artifacts", len(res.Artifacts),
			"error", err)
	} else {
		p.logger.Info(ctx, "pipeline run completed",
			"resumption_key", resumptionKey,
			"artifacts", len(res.Artifacts),
			"duration", time.Since(start))
	}
	if p.recorder != nil {
		p.recorder.RecordRun(status, time.Since(start))
	}
	return res, err
}

// RunBatch runs one independent pipeline per problem. Resumption keys are
// keyPrefix-<index>, or generated when keyPrefix is empty.
func (p *Pipeline) RunBatch(ctx context.Context, problems []Problem, keyPrefix string, opts ...batch.Option) []batch.Outcome[*Result] {
	return batch.Map(ctx, problems, func(ctx context.Context, i int, problem Problem) (*Result, error) {
		key := ""
		if keyPrefix != "" {
			key = fmt.Sprintf("%s-%d", keyPrefix, i)
		}
		return p.Run(ctx, problem, key)
	}, opts...)
}

func resultFrom(state gestalt.State, key string) *Result {
	res := &Result{
		Artifacts:     map[string]string{},
		ResumptionKey: key,
	}
	if arts, ok := artifactsKey.Get(state); ok {
		res.Artifacts = maps.Clone(arts)
	}
	if c, ok := classificationKey.Get(state); ok {
		res.Classification = &c
	}
	if refs, ok := refinementsKey.Get(state); ok {
		res.Refinements = make(map[string]int, len(refs))
		for k, v := range refs {
			if n, ok := v.(int); ok {
				res.Refinements[k] = n
			}
		}
	}
	return res
}

func failureStatus(err error) string {
	var ce *ClassificationError
	var ge *GenerationError
	switch {
	case errors.As(err, &ce):
		return "classification_error"
	case errors.As(err, &ge):
		return "generation_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
