// Package middleware wraps graph nodes with cross-cutting behavior such as
// logging, metrics and concurrency limits.
package middleware

import (
	"context"

	"github.com/agentstation/gestalt"
)

// Middleware modifies node behavior.
type Middleware func(gestalt.Node) gestalt.Node

// middlewareNode wraps a node to modify its behavior. Unset steps fall
// through to the inner node.
type middlewareNode struct {
	inner gestalt.Node
	prep  gestalt.PrepFunc
	exec  gestalt.ExecFunc
	post  gestalt.PostFunc
}

func (m *middlewareNode) Name() string {
	return m.inner.Name()
}

func (m *middlewareNode) Prep(ctx context.Context, state gestalt.State) (any, error) {
	if m.prep != nil {
		return m.prep(ctx, state)
	}
	return m.inner.Prep(ctx, state)
}

func (m *middlewareNode) Exec(ctx context.Context, prepResult any) (any, error) {
	if m.exec != nil {
		return m.exec(ctx, prepResult)
	}
	return m.inner.Exec(ctx, prepResult)
}

func (m *middlewareNode) Post(ctx context.Context, state gestalt.State, prepResult, execResult any) (gestalt.Update, error) {
	if m.post != nil {
		return m.post(ctx, state, prepResult, execResult)
	}
	return m.inner.Post(ctx, state, prepResult, execResult)
}

// Unwrap returns the wrapped node so the executor can read its options.
func (m *middlewareNode) Unwrap() gestalt.Node {
	return m.inner
}

// Chain combines multiple middlewares into a single middleware.
// Middlewares are applied in reverse order (like function composition).
func Chain(middlewares ...Middleware) Middleware {
	return func(node gestalt.Node) gestalt.Node {
		for i := len(middlewares) - 1; i >= 0; i-- {
			node = middlewares[i](node)
		}
		return node
	}
}

// Apply applies middleware to a node.
func Apply(node gestalt.Node, middlewares ...Middleware) gestalt.Node {
	for _, mw := range middlewares {
		node = mw(node)
	}
	return node
}
