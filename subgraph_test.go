package gestalt_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentstation/gestalt"
)

func childGraph(t *testing.T, failDraft bool) *gestalt.Graph {
	t.Helper()
	schema := gestalt.NewSchema(
		gestalt.Field{Name: "topic", Rule: gestalt.OverwriteIfUnset},
		gestalt.Field{Name: "working_value", Rule: gestalt.OverwriteIfUnset},
	)
	draft := gestalt.NewNode("draft", gestalt.Steps{
		Prep: func(ctx context.Context, s gestalt.State) (any, error) {
			topic, _ := s.Get("topic")
			return topic, nil
		},
		Exec: func(ctx context.Context, prep any) (any, error) {
			if failDraft {
				return nil, errors.New("draft failed")
			}
			return "draft about " + prep.(string), nil
		},
		Post: func(ctx context.Context, s gestalt.State, prep, exec any) (gestalt.Update, error) {
			return gestalt.Update{"working_value": exec}, nil
		},
	})
	g, err := gestalt.NewBuilder("child", schema).Add(draft).Build()
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestSubgraphIsolatesChildState(t *testing.T) {
	in := func(parent gestalt.State) (gestalt.Update, error) {
		v, _ := parent.Get("input")
		return gestalt.Update{"topic": v}, nil
	}
	out := func(child gestalt.State) (gestalt.Update, error) {
		v, _ := child.Get("working_value")
		return gestalt.Update{"artifacts": map[string]string{"doc.html": strings.ToUpper(v.(string))}}, nil
	}

	parent, err := gestalt.NewBuilder("parent", testSchema()).
		Add(gestalt.NewSubgraph("generate", childGraph(t, false), in, out)).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	final, err := runGraph(t, parent, context.Background())
	if err != nil {
		t.Fatal(err)
	}
	arts, _ := artifactsKey.Get(final)
	if arts["doc.html"] != "DRAFT ABOUT PROBLEM" {
		t.Errorf("artifacts = %v", arts)
	}
	if final.Has("working_value") {
		t.Error("child scratch field leaked into parent")
	}
}

func TestSubgraphFailurePropagates(t *testing.T) {
	in := func(parent gestalt.State) (gestalt.Update, error) {
		return gestalt.Update{"topic": "x"}, nil
	}
	parent, err := gestalt.NewBuilder("parent", testSchema()).
		Add(gestalt.NewSubgraph("generate", childGraph(t, true), in, nil)).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	_, err = runGraph(t, parent, context.Background())
	var runErr *gestalt.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}
	if !runErr.Failed("generate") {
		t.Errorf("failures = %v", runErr.Failures)
	}

	// The nested run error is reachable through the parent failure.
	var inner *gestalt.RunError
	if !errors.As(runErr.Failures[0], &inner) || inner.Graph != "child" {
		t.Errorf("nested RunError not found in %v", runErr.Failures[0])
	}
}

func TestSubgraphAccessor(t *testing.T) {
	child := childGraph(t, false)
	n := gestalt.NewSubgraph("generate", child, nil, nil)

	got, ok := gestalt.Subgraph(n)
	if !ok || got != child {
		t.Errorf("Subgraph() = %v, %v", got, ok)
	}
	if _, ok := gestalt.Subgraph(gestalt.NewNode("plain", gestalt.Steps{})); ok {
		t.Error("plain node reported a subgraph")
	}
}
