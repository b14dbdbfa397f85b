package offline

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/agentstation/gestalt/pipeline"
)

// Example is one entry of the retrieval corpus. An example without a kind
// serves every artifact kind.
type Example struct {
	Title    string        `yaml:"title"`
	Text     string        `yaml:"text"`
	Adaptive bool          `yaml:"adaptive"`
	Kind     pipeline.Kind `yaml:"kind,omitempty"`
}

// DefaultCorpus is used when a Retriever is created without examples.
var DefaultCorpus = []Example{
	{
		Title:    "Uniform motion",
		Text:     "A train travels at 60 km/h for 3 hours. Distance is speed multiplied by time: 180 km.",
		Adaptive: true,
		Kind:     pipeline.KindPrimary,
	},
	{
		Title:    "Constant acceleration",
		Text:     "A cart starts from rest and accelerates at 2 m/s^2 for 4 s. Its final speed is 8 m/s and it covers 16 m.",
		Adaptive: true,
		Kind:     pipeline.KindPrimary,
	},
	{
		Title:    "Ohm's law",
		Text:     "A 12 V battery drives current through a 4 ohm resistor. The current is voltage over resistance: 3 A.",
		Adaptive: true,
		Kind:     pipeline.KindPrimary,
	},
	{
		Title:    "Work and energy",
		Text:     "A 10 N force pushes a box 5 m along the floor. The work done is force times distance: 50 J.",
		Adaptive: true,
		Kind:     pipeline.KindPrimary,
	},
	{
		Title: "Scattering of light",
		Text:  "Shorter wavelengths of sunlight scatter more strongly in the atmosphere, which is why the sky looks blue.",
		Kind:  pipeline.KindPrimary,
	},
	{
		Title: "Newton's first law",
		Text:  "An object keeps its state of motion unless a net force acts on it. Explain the role of friction in everyday motion.",
		Kind:  pipeline.KindPrimary,
	},
	{
		Title: "Heat transfer",
		Text:  "Describe conduction, convection and radiation, and give an example where temperature differences drive each.",
		Kind:  pipeline.KindPrimary,
	},
	{
		Title:    "Worked solution: uniform motion",
		Text:     "Write the relation d = v t, substitute the given values with units, and state the result with one unit conversion check.",
		Adaptive: true,
		Kind:     pipeline.KindSolution,
	},
	{
		Title: "Worked explanation: light and color",
		Text:  "Start from the observation, name the physical mechanism, and connect it to wavelength without formulas.",
		Kind:  pipeline.KindSolution,
	},
	{
		Title:    "Motion grader in JavaScript",
		Text:     "const distance = params.speed * params.time; return { correct: Math.abs(answer - distance) <= 0.01 * distance };",
		Adaptive: true,
		Kind:     pipeline.KindScriptA,
	},
	{
		Title:    "Circuit grader in JavaScript",
		Text:     "const current = params.voltage / params.resistance; return { correct: Math.abs(answer - current) < 1e-3 };",
		Adaptive: true,
		Kind:     pipeline.KindScriptA,
	},
	{
		Title:    "Motion grader in Python",
		Text:     "distance = data['params']['speed'] * data['params']['time']\ndata['correct'] = abs(answer - distance) <= 0.01 * distance",
		Adaptive: true,
		Kind:     pipeline.KindScriptB,
	},
	{
		Title:    "Circuit grader in Python",
		Text:     "current = data['params']['voltage'] / data['params']['resistance']\ndata['correct'] = abs(answer - current) < 1e-3",
		Adaptive: true,
		Kind:     pipeline.KindScriptB,
	},
}

const minKeywordLen = 4

// Retriever ranks corpus examples by keyword overlap with the query. Only
// examples whose adaptive flag matches the request are returned.
type Retriever struct {
	corpus []Example
}

// NewRetriever creates a retriever over corpus, or DefaultCorpus when empty.
func NewRetriever(corpus ...Example) *Retriever {
	if len(corpus) == 0 {
		corpus = DefaultCorpus
	}
	return &Retriever{corpus: slices.Clone(corpus)}
}

// ForKind returns a retriever over the examples of kind and the examples
// without a kind.
func (r *Retriever) ForKind(kind pipeline.Kind) *Retriever {
	var corpus []Example
	for _, ex := range r.corpus {
		if ex.Kind == "" || ex.Kind == kind {
			corpus = append(corpus, ex)
		}
	}
	return &Retriever{corpus: corpus}
}

// LoadCorpus reads a YAML list of examples.
func LoadCorpus(path string) ([]Example, error) {
	data, err := os.ReadFile(path) //nolint:gosec // corpus path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("offline: read corpus: %w", err)
	}
	var corpus []Example
	if err := yaml.Unmarshal(data, &corpus); err != nil {
		return nil, fmt.Errorf("offline: parse corpus %s: %w", path, err)
	}
	for i, ex := range corpus {
		if strings.TrimSpace(ex.Text) == "" {
			return nil, fmt.Errorf("offline: corpus entry %d has no text", i)
		}
		if ex.Kind != "" && !slices.Contains(pipeline.Kinds, ex.Kind) {
			return nil, fmt.Errorf("offline: corpus entry %d has unknown kind %q", i, ex.Kind)
		}
	}
	return corpus, nil
}

// Retrieve implements pipeline.Retriever.
func (r *Retriever) Retrieve(ctx context.Context, query string, adaptive bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keywords := keywords(query)
	if len(keywords) == 0 {
		return []string{}, nil
	}

	type scored struct {
		text  string
		score int
	}
	var hits []scored
	for _, ex := range r.corpus {
		if ex.Adaptive != adaptive {
			continue
		}
		doc := strings.ToLower(ex.Title + " " + ex.Text)
		score := 0
		for _, kw := range keywords {
			if strings.Contains(doc, kw) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{text: ex.Title + ": " + ex.Text, score: score})
		}
	}
	slices.SortStableFunc(hits, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.text
	}
	return out, nil
}

func keywords(query string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), notWordRune) {
		if len(w) < minKeywordLen || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
