package gestalt

import (
	"context"
	"fmt"
)

// InputMapper derives the initial state of a nested graph from the parent
// snapshot.
type InputMapper func(parent State) (Update, error)

// OutputMapper turns the final state of a nested graph into an update for
// the parent.
type OutputMapper func(child State) (Update, error)

// NewSubgraph wraps a graph as a node. Each execution gets a fresh child
// state built by in; fields of the child state reach the parent only through
// out. When the child run fails, its partial state is discarded.
func NewSubgraph(name string, g *Graph, in InputMapper, out OutputMapper, opts ...Option) Node {
	sg := &subgraph{graph: g, in: in, out: out}
	n := NewNode(name, Steps{
		Prep: sg.prep,
		Exec: sg.exec,
		Post: sg.post,
	}, opts...)
	n.(*node).child = g
	return n
}

// Subgraph returns the nested graph of a node created by NewSubgraph,
// looking through wrappers.
func Subgraph(n Node) (*Graph, bool) {
	for n != nil {
		switch v := n.(type) {
		case *node:
			return v.child, v.child != nil
		case Wrapper:
			n = v.Unwrap()
		default:
			return nil, false
		}
	}
	return nil, false
}

type subgraph struct {
	graph *Graph
	in    InputMapper
	out   OutputMapper
}

func (s *subgraph) prep(ctx context.Context, parent State) (any, error) {
	if s.in == nil {
		return Update(nil), nil
	}
	return s.in(parent)
}

func (s *subgraph) exec(ctx context.Context, prepResult any) (any, error) {
	initial, _ := prepResult.(Update)
	child, err := s.graph.NewState(initial)
	if err != nil {
		return nil, fmt.Errorf("graph %s: initial state: %w", s.graph.Name(), err)
	}
	final, err := s.graph.Run(ctx, child)
	if err != nil {
		return nil, err
	}
	return final, nil
}

func (s *subgraph) post(ctx context.Context, parent State, prepResult, execResult any) (Update, error) {
	if s.out == nil {
		return nil, nil
	}
	final, ok := execResult.(State)
	if !ok {
		return nil, fmt.Errorf("%w: subgraph expected State, got %T", ErrInvalidInput, execResult)
	}
	return s.out(final)
}
