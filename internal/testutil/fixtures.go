package testutil

import (
	"github.com/agentstation/gestalt/pipeline"
)

// Sample problems.
var (
	ComputationalProblem = pipeline.Problem{
		Text:      "A car travels at a constant speed of 100 mph for 5 hours. What distance does it cover?",
		Reference: "distance = speed * time = 500 miles",
	}

	StaticProblem = pipeline.Problem{
		Text: "Explain why the sky appears blue during the day.",
	}
)

// Fakes bundles the scripted collaborators of one pipeline.
type Fakes struct {
	Classifier *MockClassifier
	Generator  *MockGenerator
	Retriever  *MockRetriever
	Validator  *MockValidator
	Improver   *MockImprover
}

// NewFakes creates collaborators that classify every problem as typ and
// accept every draft.
func NewFakes(typ string) *Fakes {
	return &Fakes{
		Classifier: NewMockClassifier(typ, "kinematics"),
		Generator:  NewMockGenerator(),
		Retriever:  &MockRetriever{Examples: []string{"example one", "example two", "example three"}},
		Validator:  &MockValidator{},
		Improver:   &MockImprover{},
	}
}

// Collaborators returns the fakes as pipeline collaborators.
func (f *Fakes) Collaborators() pipeline.Collaborators {
	return pipeline.Collaborators{
		Classifier: f.Classifier,
		Generators: f.Generator.For(),
		Retriever:  f.Retriever,
		Validator:  f.Validator,
		Improver:   f.Improver,
	}
}
