// Package offline provides deterministic collaborators that need no remote
// service: a keyword classifier, template generators and a keyword
// retriever over a small corpus.
package offline

import (
	"context"
	"errors"
	"maps"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/agentstation/gestalt/pipeline"
)

// ErrEmptyProblem is returned when there is nothing to classify.
var ErrEmptyProblem = errors.New("offline: empty problem text")

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// DefaultTopics maps a topic to the keywords that select it.
var DefaultTopics = map[string][]string{
	"kinematics":     {"speed", "velocity", "distance", "acceleration", "travels", "displacement"},
	"dynamics":       {"force", "mass", "newton", "friction", "momentum"},
	"energy":         {"energy", "work", "power", "joule"},
	"circuits":       {"voltage", "current", "resistance", "ohm", "circuit"},
	"optics":         {"light", "sky", "lens", "reflection", "refraction", "wavelength"},
	"thermodynamics": {"heat", "temperature", "thermal", "entropy"},
}

const (
	fallbackTopic = "general"
	titleWords    = 8
)

// Classifier marks problems containing numeric values as computational and
// everything else as static.
type Classifier struct {
	// Topics overrides DefaultTopics when set.
	Topics map[string][]string
}

// NewClassifier returns a classifier using DefaultTopics.
func NewClassifier() *Classifier {
	return &Classifier{Topics: DefaultTopics}
}

// Classify implements pipeline.Classifier.
func (c *Classifier) Classify(ctx context.Context, problem string) (pipeline.Classification, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Classification{}, err
	}
	problem = strings.TrimSpace(problem)
	if problem == "" {
		return pipeline.Classification{}, ErrEmptyProblem
	}

	typ := pipeline.TypeStatic
	if numberPattern.MatchString(problem) {
		typ = pipeline.TypeComputational
	}
	return pipeline.Classification{
		Title:  title(problem),
		Type:   typ,
		Topics: c.topics(problem),
	}, nil
}

func (c *Classifier) topics(problem string) []string {
	table := c.Topics
	if table == nil {
		table = DefaultTopics
	}
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(problem), notWordRune) {
		words[w] = true
	}

	var out []string
	for _, topic := range slices.Sorted(maps.Keys(table)) {
		for _, kw := range table[topic] {
			if words[kw] {
				out = append(out, topic)
				break
			}
		}
	}
	if len(out) == 0 {
		out = []string{fallbackTopic}
	}
	return out
}

// title is the first sentence of the problem, cut to a few words.
func title(problem string) string {
	sentence := problem
	if i := strings.IndexAny(problem, ".?!\n"); i > 0 {
		sentence = problem[:i]
	}
	words := strings.Fields(sentence)
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	t := strings.TrimRight(strings.Join(words, " "), ",;:")
	if t == "" {
		return "Untitled Problem"
	}
	r := []rune(t)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
