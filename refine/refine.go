// Package refine implements the bounded draft, validate and improve loop
// used by generator nodes.
//
// A Workflow is a value-returning function rather than a graph with a back
// edge: it owns its working draft, counts its own iterations and returns
// only the final artifact.
package refine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentstation/gestalt"
)

// DefaultMaxIterations bounds the validate/improve loop when no ceiling is set.
const DefaultMaxIterations = 3

// ErrEmptyDraft is returned when the draft function produces only whitespace.
var ErrEmptyDraft = errors.New("refine: empty draft")

// Validator checks a draft against a reference guide and returns the
// discrepancies it found. An empty list means the draft is accepted.
type Validator interface {
	Validate(ctx context.Context, draft, reference string) ([]string, error)
}

// Improver rewrites a draft given discrepancies and general guidance.
type Improver interface {
	Improve(ctx context.Context, draft string, discrepancies []string, guidance string) (string, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, draft, reference string) ([]string, error)

func (f ValidatorFunc) Validate(ctx context.Context, draft, reference string) ([]string, error) {
	return f(ctx, draft, reference)
}

// ImproverFunc adapts a function to Improver.
type ImproverFunc func(ctx context.Context, draft string, discrepancies []string, guidance string) (string, error)

func (f ImproverFunc) Improve(ctx context.Context, draft string, discrepancies []string, guidance string) (string, error) {
	return f(ctx, draft, discrepancies, guidance)
}

// DraftFunc produces the initial artifact.
type DraftFunc func(ctx context.Context) (string, error)

// ValidationError records a validator failure absorbed by the workflow.
type ValidationError struct {
	Iteration int
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed at iteration %d: %v", e.Iteration, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ImprovementError records an improver failure absorbed by the workflow.
type ImprovementError struct {
	Iteration int
	Err       error
}

func (e *ImprovementError) Error() string {
	return fmt.Sprintf("improvement failed at iteration %d: %v", e.Iteration, e.Err)
}

func (e *ImprovementError) Unwrap() error { return e.Err }

// Result is the outcome of one workflow run.
type Result struct {
	// Artifact is the last good draft.
	Artifact string
	// Iterations counts completed improve passes against a reference.
	Iterations int
	// Degraded lists validation and improvement failures that were absorbed.
	Degraded []error
}

// Workflow runs the refinement loop. It is safe for concurrent use.
type Workflow struct {
	validator               Validator
	improver                Improver
	maxIterations           int
	guidance                string
	improveWithoutReference bool
	logger                  gestalt.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithMaxIterations sets the ceiling of improve passes.
func WithMaxIterations(n int) Option {
	return func(w *Workflow) {
		w.maxIterations = n
	}
}

// WithGuidance sets the style guidance passed to the improver.
func WithGuidance(guidance string) Option {
	return func(w *Workflow) {
		w.guidance = guidance
	}
}

// WithImproveWithoutReference makes the workflow run a single improve pass,
// with no discrepancies, when no reference guide is supplied.
func WithImproveWithoutReference() Option {
	return func(w *Workflow) {
		w.improveWithoutReference = true
	}
}

// WithLogger sets the logger used for absorbed failures.
func WithLogger(logger gestalt.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a workflow. A nil validator or improver disables the loop.
func New(validator Validator, improver Improver, opts ...Option) *Workflow {
	w := &Workflow{
		validator:     validator,
		improver:      improver,
		maxIterations: DefaultMaxIterations,
		logger:        gestalt.NopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.maxIterations < 0 {
		w.maxIterations = 0
	}
	return w
}

// MaxIterations returns the configured ceiling.
func (w *Workflow) MaxIterations() int { return w.maxIterations }

// Run drafts an artifact and refines it against reference.
//
// Without a reference the draft is returned with zero iterations, after one
// optional improve pass. With a reference the draft is validated and
// improved until the validator reports no discrepancies or the ceiling is
// reached. A failing validator or improver ends the loop and the last good
// draft is returned; only a failing draft is an error.
func (w *Workflow) Run(ctx context.Context, draft DraftFunc, reference string) (Result, error) {
	text, err := draft(ctx)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyDraft
	}

	res := Result{Artifact: text}

	if strings.TrimSpace(reference) == "" {
		if w.improveWithoutReference && w.improver != nil {
			improved, err := w.improve(ctx, res.Artifact, nil, 0)
			if err != nil {
				res.Degraded = append(res.Degraded, err)
			} else {
				res.Artifact = improved
			}
		}
		return res, nil
	}

	if w.validator == nil || w.improver == nil {
		return res, nil
	}

	for res.Iterations < w.maxIterations {
		discrepancies, err := w.validator.Validate(ctx, res.Artifact, reference)
		if err != nil {
			verr := &ValidationError{Iteration: res.Iterations, Err: err}
			w.logger.Warn(ctx, "validation failed, keeping last draft", "iteration", res.Iterations, "error", err)
			res.Degraded = append(res.Degraded, verr)
			break
		}
		if len(discrepancies) == 0 {
			w.logger.Debug(ctx, "draft accepted", "iteration", res.Iterations)
			break
		}

		improved, err := w.improve(ctx, res.Artifact, discrepancies, res.Iterations)
		if err != nil {
			res.Degraded = append(res.Degraded, err)
			break
		}
		res.Artifact = improved
		res.Iterations++
	}

	return res, nil
}

func (w *Workflow) improve(ctx context.Context, draft string, discrepancies []string, iteration int) (string, error) {
	improved, err := w.improver.Improve(ctx, draft, discrepancies, w.guidance)
	if err == nil && strings.TrimSpace(improved) == "" {
		err = errors.New("improver returned an empty artifact")
	}
	if err != nil {
		w.logger.Warn(ctx, "improvement failed, keeping last draft", "iteration", iteration, "error", err)
		return "", &ImprovementError{Iteration: iteration, Err: err}
	}
	return improved, nil
}
