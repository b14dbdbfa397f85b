package middleware

import (
	"context"
	"time"

	"github.com/agentstation/gestalt"
)

// Lifecycle phase labels passed to a MetricsCollector.
const (
	PhasePrep = "prep"
	PhaseExec = "exec"
	PhasePost = "post"
)

// MetricsCollector receives the duration and outcome of node phases.
type MetricsCollector interface {
	RecordPhase(nodeName, phase string, duration time.Duration, err error)
}

// Metrics records the duration and outcome of every lifecycle phase.
func Metrics(collector MetricsCollector) Middleware {
	return func(node gestalt.Node) gestalt.Node {
		name := node.Name()
		record := func(phase string, start time.Time, err error) {
			collector.RecordPhase(name, phase, time.Since(start), err)
		}
		return &middlewareNode{
			inner: node,
			prep: func(ctx context.Context, state gestalt.State) (any, error) {
				start := time.Now()
				result, err := node.Prep(ctx, state)
				record(PhasePrep, start, err)
				return result, err
			},
			exec: func(ctx context.Context, input any) (any, error) {
				start := time.Now()
				result, err := node.Exec(ctx, input)
				record(PhaseExec, start, err)
				return result, err
			},
			post: func(ctx context.Context, state gestalt.State, prep, exec any) (gestalt.Update, error) {
				start := time.Now()
				update, err := node.Post(ctx, state, prep, exec)
				record(PhasePost, start, err)
				return update, err
			},
		}
	}
}
