package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentstation/gestalt"
	"github.com/agentstation/gestalt/refine"
)

// Top-level state fields.
const (
	FieldInput          = "input"
	FieldClassification = "classification"
	FieldArtifacts      = "artifacts"
	FieldRefinements    = "refinements"
)

// Node names of the top-level graph.
const (
	NodeClassify          = "classify"
	NodeGeneratePrimary   = "generate-primary"
	NodeGenerateSolution  = "generate-solution"
	NodeGenerateScriptA   = "generate-script-a"
	NodeGenerateScriptB   = "generate-script-b"
	NodeAggregateMetadata = "aggregate-metadata"
)

var (
	inputKey          = gestalt.NewKey[Problem](FieldInput)
	classificationKey = gestalt.NewKey[Classification](FieldClassification)
	artifactsKey      = gestalt.NewKey[map[string]string](FieldArtifacts)
	refinementsKey    = gestalt.NewKey[map[string]any](FieldRefinements)
)

// Schema returns the top-level state schema.
func Schema() *gestalt.Schema {
	return gestalt.NewSchema(
		gestalt.Field{Name: FieldInput, Rule: gestalt.OverwriteIfUnset},
		gestalt.Field{Name: FieldClassification, Rule: gestalt.OverwriteIfUnset},
		gestalt.Field{Name: FieldArtifacts, Rule: gestalt.UnionMerge},
		gestalt.Field{Name: FieldRefinements, Rule: gestalt.UnionMerge},
	)
}

var generatorNodes = map[Kind]string{
	KindPrimary:  NodeGeneratePrimary,
	KindSolution: NodeGenerateSolution,
	KindScriptA:  NodeGenerateScriptA,
	KindScriptB:  NodeGenerateScriptB,
}

// newClassifyNode maps the input problem to its classification with a single
// collaborator call.
func newClassifyNode(classifier Classifier, cfg Config) gestalt.Node {
	return gestalt.NewNode(NodeClassify, gestalt.Steps{
		Prep: func(ctx context.Context, state gestalt.State) (any, error) {
			if state.Has(FieldClassification) {
				return nil, ErrAlreadyClassified
			}
			problem, ok := inputKey.Get(state)
			if !ok || strings.TrimSpace(problem.Text) == "" {
				return nil, &ClassificationError{Err: ErrEmptyProblem}
			}
			return problem.Text, nil
		},
		Exec: func(ctx context.Context, prep any) (any, error) {
			c, err := classifier.Classify(ctx, prep.(string))
			if err != nil {
				return nil, &ClassificationError{Err: err}
			}
			c = c.normalize()
			if c.Type != TypeComputational && c.Type != TypeStatic {
				return nil, &ClassificationError{Err: fmt.Errorf("%w: %q", ErrUnrecognizedType, c.Type)}
			}
			return c, nil
		},
		Post: func(ctx context.Context, state gestalt.State, prep, exec any) (gestalt.Update, error) {
			return classificationKey.Set(nil, exec.(Classification)), nil
		},
	}, gestalt.WithTimeout(cfg.NodeTimeout), gestalt.WithRetry(0, 0))
}

// routeByClassification fans out to every secondary generator for
// computational problems and to the solution narrative alone otherwise.
func routeByClassification(state gestalt.State) []string {
	c, ok := classificationKey.Get(state)
	if !ok {
		return nil
	}
	if c.IsAdaptive() {
		return []string{NodeGenerateSolution, NodeGenerateScriptA, NodeGenerateScriptB}
	}
	return []string{NodeGenerateSolution}
}

// newAggregateNode derives the metadata document from the classification and
// the artifacts produced on this run.
func newAggregateNode(cfg Config) gestalt.Node {
	type input struct {
		classification Classification
		artifacts      map[string]string
	}

	return gestalt.NewNode(NodeAggregateMetadata, gestalt.Steps{
		Prep: func(ctx context.Context, state gestalt.State) (any, error) {
			c, ok := classificationKey.Get(state)
			if !ok {
				return nil, ErrMissingClassification
			}
			arts, _ := artifactsKey.Get(state)
			return input{classification: c, artifacts: arts}, nil
		},
		Exec: func(ctx context.Context, prep any) (any, error) {
			in := prep.(input)
			meta := BuildMetadata(in.classification, in.artifacts, cfg)
			doc, err := json.MarshalIndent(meta, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("encode metadata: %w", err)
			}
			return string(doc), nil
		},
		Post: func(ctx context.Context, state gestalt.State, prep, exec any) (gestalt.Update, error) {
			return artifactsKey.Set(nil, map[string]string{cfg.MetadataKey: exec.(string)}), nil
		},
	})
}

// Metadata is the summary document added under the metadata key.
type Metadata struct {
	Title        string   `json:"title"`
	QuestionType string   `json:"question_type"`
	Topics       []string `json:"topics"`
	AIGenerated  bool     `json:"ai_generated"`
	Languages    []string `json:"languages"`
	IsAdaptive   bool     `json:"isAdaptive"`
}

// BuildMetadata summarizes a run. Languages lists the runtimes of the script
// artifacts present, in script order.
func BuildMetadata(c Classification, artifacts map[string]string, cfg Config) Metadata {
	languages := make([]string, 0, len(scriptKinds))
	for _, kind := range scriptKinds {
		ac := cfg.Artifacts[kind]
		if _, ok := artifacts[ac.Key]; ok {
			languages = append(languages, ac.Runtime)
		}
	}
	topics := c.Topics
	if topics == nil {
		topics = []string{}
	}
	return Metadata{
		Title:        c.Title,
		QuestionType: c.Type,
		Topics:       topics,
		AIGenerated:  true,
		Languages:    languages,
		IsAdaptive:   c.IsAdaptive(),
	}
}

// Generator sub-graph fields. working_value never leaves the sub-graph.
const (
	childProblem        = "problem"
	childClassification = "classification"
	childDocument       = "document"
	childExamples       = "examples"
	childWorkingValue   = "working_value"
	childRefinements    = "refinements"
)

var (
	childProblemKey        = gestalt.NewKey[Problem](childProblem)
	childClassificationKey = gestalt.NewKey[Classification](childClassification)
	childDocumentKey       = gestalt.NewKey[string](childDocument)
	childExamplesKey       = gestalt.NewKey[[]string](childExamples)
	childWorkingKey        = gestalt.NewKey[string](childWorkingValue)
	childRefinementsKey    = gestalt.NewKey[int](childRefinements)
)

func generatorSchema() *gestalt.Schema {
	return gestalt.NewSchema(
		gestalt.Field{Name: childProblem, Rule: gestalt.OverwriteIfUnset},
		gestalt.Field{Name: childClassification, Rule: gestalt.OverwriteIfUnset},
		gestalt.Field{Name: childDocument, Rule: gestalt.OverwriteIfUnset},
		gestalt.Field{Name: childExamples, Rule: gestalt.OverwriteIfUnset},
		gestalt.Field{Name: childWorkingValue, Rule: gestalt.OverwriteIfUnset},
		gestalt.Field{Name: childRefinements, Rule: gestalt.OverwriteIfUnset},
	)
}

// generatorSpec is everything one generator sub-graph needs.
type generatorSpec struct {
	kind       Kind
	artifact   ArtifactConfig
	primaryKey string
	generator  Generator
	retriever  Retriever
	workflow   *refine.Workflow
	cfg        Config
	logger     gestalt.Logger
}

// newGeneratorNode builds the retrieve -> compose sub-graph for one kind and
// wraps it as a node of the top-level graph.
func newGeneratorNode(spec generatorSpec, opts ...gestalt.GraphOption) (gestalt.Node, error) {
	retrieve := gestalt.NewNode("retrieve", gestalt.Steps{
		Prep: func(ctx context.Context, state gestalt.State) (any, error) {
			problem, _ := childProblemKey.Get(state)
			c, _ := childClassificationKey.Get(state)
			query, _ := childDocumentKey.Get(state)
			if strings.TrimSpace(query) == "" {
				query = problem.Text
			}
			return retrieval{query: query, adaptive: c.IsAdaptive()}, nil
		},
		Exec: func(ctx context.Context, prep any) (any, error) {
			r := prep.(retrieval)
			if spec.retriever == nil {
				return []string{}, nil
			}
			examples, err := spec.retriever.Retrieve(ctx, r.query, r.adaptive)
			if err != nil {
				spec.logger.Warn(ctx, "retrieval failed, continuing without examples",
					"kind", string(spec.kind), "error", err)
				return []string{}, nil
			}
			if spec.cfg.MaxExamples > 0 && len(examples) > spec.cfg.MaxExamples {
				examples = examples[:spec.cfg.MaxExamples]
			}
			if examples == nil {
				examples = []string{}
			}
			return examples, nil
		},
		Post: func(ctx context.Context, state gestalt.State, prep, exec any) (gestalt.Update, error) {
			return childExamplesKey.Set(nil, exec.([]string)), nil
		},
	})

	compose := gestalt.NewNode("compose", gestalt.Steps{
		Prep: func(ctx context.Context, state gestalt.State) (any, error) {
			problem, _ := childProblemKey.Get(state)
			c, _ := childClassificationKey.Get(state)
			doc, _ := childDocumentKey.Get(state)
			examples, _ := childExamplesKey.Get(state)
			return GenerationRequest{
				Kind:           spec.kind,
				Problem:        problem.Text,
				Reference:      problem.Reference,
				Classification: c,
				Document:       doc,
				Examples:       examples,
			}, nil
		},
		Exec: func(ctx context.Context, prep any) (any, error) {
			req := prep.(GenerationRequest)
			reference := ""
			if spec.artifact.Refine {
				reference = req.Reference
			}
			res, err := spec.workflow.Run(ctx, func(ctx context.Context) (string, error) {
				return spec.generator.Generate(ctx, req)
			}, reference)
			if err != nil {
				return nil, &GenerationError{Kind: spec.kind, Err: err}
			}
			if len(res.Degraded) > 0 {
				spec.logger.Warn(ctx, "refinement degraded", "kind", string(spec.kind), "failures", len(res.Degraded))
			}
			return res, nil
		},
		Post: func(ctx context.Context, state gestalt.State, prep, exec any) (gestalt.Update, error) {
			res := exec.(refine.Result)
			u := childWorkingKey.Set(nil, res.Artifact)
			return childRefinementsKey.Set(u, res.Iterations), nil
		},
	},
		gestalt.WithRetry(spec.cfg.GeneratorRetries, spec.cfg.RetryDelay),
	)

	g, err := gestalt.NewBuilder("generate-"+string(spec.kind), generatorSchema()).
		Add(retrieve, compose).
		Connect("retrieve", "compose").
		Build(opts...)
	if err != nil {
		return nil, err
	}

	in := func(parent gestalt.State) (gestalt.Update, error) {
		problem, _ := inputKey.Get(parent)
		c, ok := classificationKey.Get(parent)
		if !ok {
			return nil, ErrMissingClassification
		}
		u := childProblemKey.Set(nil, problem)
		u = childClassificationKey.Set(u, c)
		if spec.kind != KindPrimary {
			arts, _ := artifactsKey.Get(parent)
			if doc := arts[spec.primaryKey]; doc != "" {
				u = childDocumentKey.Set(u, doc)
			}
		}
		return u, nil
	}
	out := func(child gestalt.State) (gestalt.Update, error) {
		text, ok := childWorkingKey.Get(child)
		if !ok {
			return nil, &GenerationError{Kind: spec.kind, Err: refine.ErrEmptyDraft}
		}
		n, _ := childRefinementsKey.Get(child)
		u := artifactsKey.Set(nil, map[string]string{spec.artifact.Key: text})
		return refinementsKey.Set(u, map[string]any{spec.artifact.Key: n}), nil
	}

	return gestalt.NewSubgraph(generatorNodes[spec.kind], g, in, out, gestalt.WithTimeout(spec.cfg.NodeTimeout)), nil
}

type retrieval struct {
	query    string
	adaptive bool
}
