package middleware

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/agentstation/gestalt"
)

// Logging records each phase of a node. Exec start and outcome log at info
// level, prep and post at debug, and failures at error.
func Logging(logger gestalt.Logger) Middleware {
	return func(node gestalt.Node) gestalt.Node {
		name := node.Name()
		return &middlewareNode{
			inner: node,
			prep: func(ctx context.Context, state gestalt.State) (any, error) {
				start := time.Now()
				result, err := node.Prep(ctx, state)
				logger.Debug(ctx, "node prep completed", "node", name, "duration", time.Since(start), "error", err)
				return result, err
			},
			exec: func(ctx context.Context, input any) (any, error) {
				logger.Info(ctx, "node exec starting", "node", name)
				start := time.Now()
				result, err := node.Exec(ctx, input)
				if err != nil {
					logger.Error(ctx, "node exec failed", "node", name, "duration", time.Since(start), "error", err)
					return result, err
				}
				logger.Info(ctx, "node exec completed", "node", name, "duration", time.Since(start), "result", describe(result))
				return result, nil
			},
			post: func(ctx context.Context, state gestalt.State, prep, exec any) (gestalt.Update, error) {
				update, err := node.Post(ctx, state, prep, exec)
				fields := make([]string, 0, len(update))
				for field := range update {
					fields = append(fields, field)
				}
				slices.Sort(fields)
				logger.Debug(ctx, "node post completed", "node", name, "fields", fields, "error", err)
				return update, err
			},
		}
	}
}

// describe summarizes an exec result without logging generated content.
func describe(v any) string {
	switch r := v.(type) {
	case nil:
		return "none"
	case string:
		return fmt.Sprintf("text (%d bytes)", len(r))
	case []string:
		return fmt.Sprintf("%d items", len(r))
	case map[string]string:
		return fmt.Sprintf("%d entries", len(r))
	default:
		return fmt.Sprintf("%T", v)
	}
}
