package middleware

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/agentstation/gestalt"
)

// Limit bounds how many Exec steps run at once across every node wrapped by
// the returned middleware. Concurrent pipeline runs sharing one Limit share
// the bound, which keeps collaborator load predictable.
func Limit(n int64) Middleware {
	sem := semaphore.NewWeighted(n)
	return func(node gestalt.Node) gestalt.Node {
		return &middlewareNode{
			inner: node,
			exec: func(ctx context.Context, input any) (any, error) {
				if err := sem.Acquire(ctx, 1); err != nil {
					return nil, err
				}
				defer sem.Release(1)
				return node.Exec(ctx, input)
			},
		}
	}
}
