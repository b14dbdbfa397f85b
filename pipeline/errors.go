package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyClassified is returned when classification runs twice in one run.
	ErrAlreadyClassified = errors.New("pipeline: problem already classified")

	// ErrMissingClassification is returned when a node that needs the
	// classification runs before it was set.
	ErrMissingClassification = errors.New("pipeline: classification missing")

	// ErrEmptyProblem is returned for a blank problem description.
	ErrEmptyProblem = errors.New("pipeline: empty problem")

	// ErrUnrecognizedType is returned for a classification type other than
	// computational or static.
	ErrUnrecognizedType = errors.New("pipeline: unrecognized problem type")

	// ErrDuplicateKey is returned when two artifacts share a key.
	ErrDuplicateKey = errors.New("pipeline: duplicate artifact key")

	// ErrMissingCollaborator is returned when a required collaborator is nil.
	ErrMissingCollaborator = errors.New("pipeline: missing collaborator")
)

// ClassificationError reports a failed or unusable classification. It aborts
// the run before any generator starts.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// GenerationError reports a generator failure for one artifact kind. Sibling
// branches still complete.
type GenerationError struct {
	Kind Kind
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating %s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
