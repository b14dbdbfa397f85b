// Package luarules validates and improves drafts with rules written in Lua.
//
// A rule script defines validate(draft, reference), returning a list of
// discrepancies, and optionally improve(draft, discrepancies, guidance),
// returning the revised draft. Each call runs in a fresh sandboxed state.
package luarules

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Shopify/go-lua"
)

//go:embed default.lua
var defaultSource string

// ErrNoImprove is returned by Improve when the script defines no improve
// function.
var ErrNoImprove = errors.New("luarules: script defines no improve function")

// Rules is a compiled rule script. It implements refine.Validator and
// refine.Improver and is safe for concurrent use.
type Rules struct {
	name       string
	source     string
	hasImprove bool
}

// Default returns the built-in numeric consistency rules.
func Default() *Rules {
	r, err := New("default", defaultSource)
	if err != nil {
		panic(fmt.Sprintf("luarules: built-in rules: %v", err))
	}
	return r
}

// Load reads a rule script from path.
func Load(path string) (*Rules, error) {
	content, err := os.ReadFile(path) //nolint:gosec // rule paths come from configuration
	if err != nil {
		return nil, fmt.Errorf("luarules: read %s: %w", path, err)
	}
	return New(path, string(content))
}

// New compiles source and checks that it defines validate.
func New(name, source string) (*Rules, error) {
	l := newSandbox()
	if err := lua.DoString(l, source); err != nil {
		return nil, fmt.Errorf("luarules: %s: %w", name, err)
	}

	l.Global("validate")
	isFunc := l.TypeOf(-1) == lua.TypeFunction
	l.Pop(1)
	if !isFunc {
		return nil, fmt.Errorf("luarules: %s: required function 'validate' not found", name)
	}

	l.Global("improve")
	hasImprove := l.TypeOf(-1) == lua.TypeFunction
	l.Pop(1)

	return &Rules{name: name, source: source, hasImprove: hasImprove}, nil
}

// Name returns the script name.
func (r *Rules) Name() string { return r.name }

// Validate implements refine.Validator.
func (r *Rules) Validate(ctx context.Context, draft, reference string) ([]string, error) {
	out, err := r.call(ctx, "validate", draft, reference)
	if err != nil {
		return nil, err
	}
	return toStrings(out)
}

// Improve implements refine.Improver.
func (r *Rules) Improve(ctx context.Context, draft string, discrepancies []string, guidance string) (string, error) {
	if !r.hasImprove {
		return "", ErrNoImprove
	}
	if discrepancies == nil {
		discrepancies = []string{}
	}
	out, err := r.call(ctx, "improve", draft, discrepancies, guidance)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("luarules: %s: improve returned %T, want string", r.name, out)
	}
	return s, nil
}

// call runs fn with args in a fresh state. Lua code cannot be interrupted,
// so ctx is only checked before the call.
func (r *Rules) call(ctx context.Context, fn string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := newSandbox()
	if err := lua.DoString(l, r.source); err != nil {
		return nil, fmt.Errorf("luarules: %s: %w", r.name, err)
	}

	l.Global(fn)
	for _, a := range args {
		pushValue(l, a)
	}
	if err := l.ProtectedCall(len(args), 1, 0); err != nil {
		if msg, ok := l.ToString(-1); ok && msg != "" && !strings.Contains(err.Error(), msg) {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, fmt.Errorf("luarules: %s: %s: %w", r.name, fn, err)
	}
	out := pullValue(l, -1)
	l.Pop(1)
	return out, nil
}

func toStrings(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return []string{}, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("luarules: discrepancy %v is not a string", item)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case map[string]any:
		if len(val) == 0 {
			return []string{}, nil
		}
	}
	return nil, fmt.Errorf("luarules: validate returned %T, want a list", v)
}
