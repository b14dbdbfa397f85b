package offline

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"text/template"

	"github.com/agentstation/gestalt/pipeline"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var funcs = template.FuncMap{
	"numbers": numbers,
}

// Generator renders one artifact kind from a template. The template data is
// the pipeline.GenerationRequest.
type Generator struct {
	kind pipeline.Kind
	tmpl *template.Template
}

// NewGenerator parses text as the template for kind.
func NewGenerator(kind pipeline.Kind, text string) (*Generator, error) {
	tmpl, err := template.New(string(kind)).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("offline: template %s: %w", kind, err)
	}
	return &Generator{kind: kind, tmpl: tmpl}, nil
}

// Generate implements pipeline.Generator.
func (g *Generator) Generate(ctx context.Context, req pipeline.GenerationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("offline: render %s: %w", g.kind, err)
	}
	return buf.String(), nil
}

// Generators returns one generator per kind from the built-in templates.
// Entries in overrides replace the built-in template text for their kind.
func Generators(overrides map[pipeline.Kind]string) (map[pipeline.Kind]pipeline.Generator, error) {
	out := make(map[pipeline.Kind]pipeline.Generator, len(pipeline.Kinds))
	for _, kind := range pipeline.Kinds {
		text, ok := overrides[kind]
		if !ok {
			raw, err := templateFS.ReadFile("templates/" + string(kind) + ".tmpl")
			if err != nil {
				return nil, fmt.Errorf("offline: no template for %s: %w", kind, err)
			}
			text = string(raw)
		}
		g, err := NewGenerator(kind, text)
		if err != nil {
			return nil, err
		}
		out[kind] = g
	}
	return out, nil
}

// numbers returns the distinct numeric values found in texts, in order of
// first appearance.
func numbers(texts ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, text := range texts {
		for _, n := range numberPattern.FindAllString(text, -1) {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}
