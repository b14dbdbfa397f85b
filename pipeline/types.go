package pipeline

import (
	"context"
	"slices"
	"strings"
)

// Problem types produced by classification.
const (
	TypeComputational = "computational"
	TypeStatic        = "static"
)

// Classification is the structured metadata that decides the pipeline shape.
type Classification struct {
	Title  string   `json:"title" yaml:"title"`
	Type   string   `json:"question_type" yaml:"question_type"`
	Topics []string `json:"topics" yaml:"topics"`
}

// IsAdaptive reports whether the problem is parametrized and gets scripts.
func (c Classification) IsAdaptive() bool {
	return c.Type == TypeComputational
}

// CloneState implements gestalt.Cloner.
func (c Classification) CloneState() any {
	c.Topics = slices.Clone(c.Topics)
	return c
}

// normalize lower-cases the type and trims topics.
func (c Classification) normalize() Classification {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	c.Title = strings.TrimSpace(c.Title)
	topics := make([]string, 0, len(c.Topics))
	for _, t := range c.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	c.Topics = topics
	return c
}

// Problem is the input of one pipeline run.
type Problem struct {
	// Text is the problem description.
	Text string `json:"question_text" yaml:"question_text"`
	// Reference is an optional solution guide used to validate generated
	// artifacts.
	Reference string `json:"solution_guide,omitempty" yaml:"solution_guide,omitempty"`
}

// Kind names a generated artifact.
type Kind string

// Artifact kinds.
const (
	KindPrimary  Kind = "primary_document"
	KindSolution Kind = "solution_narrative"
	KindScriptA  Kind = "script_a"
	KindScriptB  Kind = "script_b"
)

// Kinds lists every generator kind in pipeline order.
var Kinds = []Kind{KindPrimary, KindSolution, KindScriptA, KindScriptB}

// scriptKinds lists the kinds whose runtimes appear in the metadata, in order.
var scriptKinds = []Kind{KindScriptA, KindScriptB}

// GenerationRequest is what a generator receives.
type GenerationRequest struct {
	Kind           Kind
	Problem        string
	Reference      string
	Classification Classification
	// Document is the primary document when one was generated before this
	// artifact.
	Document string
	Examples []string
}

// Classifier maps a problem to its classification.
type Classifier interface {
	Classify(ctx context.Context, problem string) (Classification, error)
}

// Generator produces the text of one artifact.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// Retriever returns example snippets similar to query. An empty result is valid.
type Retriever interface {
	Retrieve(ctx context.Context, query string, adaptive bool) ([]string, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, problem string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, problem string) (Classification, error) {
	return f(ctx, problem)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	return f(ctx, req)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, query string, adaptive bool) ([]string, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, query string, adaptive bool) ([]string, error) {
	return f(ctx, query, adaptive)
}
