package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/agentstation/gestalt/pipeline"
)

// ErrNoProblems is returned for a problem file without entries.
var ErrNoProblems = errors.New("app: no problems")

// LoadProblems reads a YAML or JSON problem list from path.
func LoadProblems(path string) ([]pipeline.Problem, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided problem file
	if err != nil {
		return nil, fmt.Errorf("app: read problems: %w", err)
	}
	problems, err := ParseProblems(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return problems, nil
}

// ParseProblems accepts either a list of problems or an object with a
// "problems" list. Each entry carries question_text and an optional
// solution_guide.
func ParseProblems(data []byte) ([]pipeline.Problem, error) {
	var problems []pipeline.Problem
	if err := yaml.Unmarshal(data, &problems); err != nil {
		var doc struct {
			Problems []pipeline.Problem `yaml:"problems"`
		}
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("app: parse problems: %w", err)
		}
		problems = doc.Problems
	}
	if len(problems) == 0 {
		return nil, ErrNoProblems
	}
	for i, p := range problems {
		if strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("app: problem %d has no question_text", i)
		}
	}
	return problems, nil
}
