package gestalt

import "context"

type contextKey string

const (
	resumptionKeyKey contextKey = "gestalt.resumption_key"
	runIDKey         contextKey = "gestalt.run_id"
	graphNameKey     contextKey = "gestalt.graph"
	nodeNameKey      contextKey = "gestalt.node"
)

// WithResumptionKey attaches the caller's resumption key. The executor
// carries it to every node but never reads it; collaborators use it to keep
// conversational or cache context across the calls of one run.
func WithResumptionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, resumptionKeyKey, key)
}

// ResumptionKey retrieves the resumption key from context.
func ResumptionKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(resumptionKeyKey).(string)
	return key, ok && key != ""
}

// RunID returns the identifier of the innermost graph run.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok
}

// GraphName returns the name of the innermost running graph.
func GraphName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(graphNameKey).(string)
	return name, ok
}

// NodeName returns the name of the executing node.
func NodeName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(nodeNameKey).(string)
	return name, ok
}

func withRun(ctx context.Context, graph, runID string) context.Context {
	ctx = context.WithValue(ctx, graphNameKey, graph)
	return context.WithValue(ctx, runIDKey, runID)
}

func withNode(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, nodeNameKey, name)
}
