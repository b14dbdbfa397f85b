package gestalt

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/agentstation/gestalt/internal/retry"
)

type nodeStatus int

const (
	statusIdle nodeStatus = iota
	statusActivated
	statusRunning
	statusDone
	statusFailed
)

type nodeResult struct {
	name   string
	update Update
	err    error
}

// run is the state of one Graph.Run call. Every field is owned by the loop
// goroutine; node goroutines only see their snapshot and the results channel.
type run struct {
	g        *Graph
	state    State
	status   map[string]nodeStatus
	results  chan nodeResult
	inflight int
	failures []*NodeError
}

// Run drives the graph from its start node to completion.
//
// Every node whose activated ancestors have all finished runs concurrently
// on a snapshot of the running state. Updates come back to this goroutine,
// which merges them one at a time. A node with several predecessors waits
// only for the ones that were activated on this run.
//
// When a node fails or ctx ends, no new node is started, in-flight nodes are
// awaited and merged, and a *RunError carrying the merged state is returned.
func (g *Graph) Run(ctx context.Context, initial State) (State, error) {
	if initial.schema != g.schema {
		return initial, ErrSchemaMismatch
	}

	runID := uuid.NewString()
	ctx = withRun(ctx, g.name, runID)
	log := g.opts.logger

	r := &run{
		g:       g,
		state:   initial,
		status:  make(map[string]nodeStatus, len(g.nodes)),
		results: make(chan nodeResult, len(g.nodes)),
	}
	r.status[g.start] = statusActivated

	log.Debug(ctx, "graph started", "graph", g.name, "run_id", runID)

	for {
		if !r.halted(ctx) {
			r.launchReady(ctx)
		}
		if r.inflight == 0 {
			break
		}
		res := <-r.results
		r.inflight--
		r.complete(ctx, res)
	}

	if err := r.finish(ctx); err != nil {
		log.Error(ctx, "graph failed", "graph", g.name, "run_id", runID, "error", err)
		return r.state, err
	}
	log.Debug(ctx, "graph completed", "graph", g.name, "run_id", runID)
	return r.state, nil
}

func (r *run) halted(ctx context.Context) bool {
	return len(r.failures) > 0 || ctx.Err() != nil
}

// launchReady starts every activated node none of whose ancestors is still
// activated or running. Nodes start in topological order.
func (r *run) launchReady(ctx context.Context) {
	var ready []string
	for _, name := range r.g.order {
		if r.status[name] != statusActivated {
			continue
		}
		blocked := false
		for anc := range r.g.ancestors[name] {
			if s := r.status[anc]; s == statusActivated || s == statusRunning {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, name)
		}
	}

	for _, name := range ready {
		r.status[name] = statusRunning
		r.inflight++
		n := r.g.nodes[name]
		snapshot := r.state
		go func() {
			update, err := r.g.execute(ctx, n, snapshot)
			r.results <- nodeResult{name: name, update: update, err: err}
		}()
	}
}

// complete merges a node's update and activates its successors.
func (r *run) complete(ctx context.Context, res nodeResult) {
	log := r.g.opts.logger
	if res.err != nil {
		r.fail(res.name, res.err)
		log.Warn(ctx, "node failed", "graph", r.g.name, "node", res.name, "error", res.err)
		return
	}

	merged, err := r.state.Merge(res.update)
	if err != nil {
		r.fail(res.name, err)
		log.Warn(ctx, "node update rejected", "graph", r.g.name, "node", res.name, "error", err)
		return
	}
	r.state = merged
	r.status[res.name] = statusDone
	log.Debug(ctx, "node completed", "graph", r.g.name, "node", res.name)

	next, err := r.successors(res.name)
	if err != nil {
		r.fail(res.name, err)
		return
	}
	for _, name := range next {
		if r.status[name] == statusIdle {
			r.status[name] = statusActivated
		}
	}
}

func (r *run) fail(name string, err error) {
	r.status[name] = statusFailed
	r.failures = append(r.failures, &NodeError{Node: name, Err: err})
}

// successors resolves the outgoing edges of a completed node against the
// state merged so far.
func (r *run) successors(name string) (next []string, err error) {
	rt, ok := r.g.routes[name]
	if !ok {
		return r.g.edges[name], nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = &RouterContractError{Node: name, Reason: fmt.Sprintf("panicked: %v", p)}
		}
	}()

	picked := rt.router(r.state)
	if len(picked) == 0 {
		return nil, &RouterContractError{Node: name, Reason: "returned no successors"}
	}
	seen := make(map[string]bool, len(picked))
	for _, p := range picked {
		allowed := false
		for _, c := range rt.candidates {
			if c == p {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, &RouterContractError{Node: name, Returned: picked, Reason: fmt.Sprintf("returned undeclared successor %q", p)}
		}
		if !seen[p] {
			seen[p] = true
			next = append(next, p)
		}
	}
	return next, nil
}

func (r *run) finish(ctx context.Context) error {
	if len(r.failures) == 0 && ctx.Err() == nil {
		return nil
	}

	var skipped []string
	for _, name := range r.g.order {
		if r.status[name] == statusActivated {
			skipped = append(skipped, name)
		}
	}
	// A cancellation that arrived after the last node finished changes nothing.
	if len(r.failures) == 0 && len(skipped) == 0 {
		return nil
	}
	runErr := &RunError{
		Graph:    r.g.name,
		Failures: r.failures,
		Skipped:  skipped,
		State:    r.state,
	}
	if len(r.failures) == 0 {
		runErr.Cause = ctx.Err()
	}
	return runErr
}

// execute runs the Prep/Exec/Post lifecycle of one node.
func (g *Graph) execute(ctx context.Context, n Node, state State) (update Update, err error) {
	opts, _ := optionsOf(n)
	ctx = withNode(ctx, n.Name())

	if g.opts.tracer != nil {
		var end func()
		ctx, end = g.opts.tracer.StartSpan(ctx, g.name+"/"+n.Name())
		defer end()
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			update = nil
			err = fmt.Errorf("%w: %v\n%s", ErrNodePanic, p, debug.Stack())
		}
		if err != nil {
			if opts.onError != nil {
				opts.onError(err)
			}
			if opts.onFailure != nil {
				opts.onFailure(ctx, err)
			}
			return
		}
		if opts.onSuccess != nil {
			opts.onSuccess(ctx, update)
		}
	}()

	prepResult, err := n.Prep(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("prep failed: %w", err)
	}

	execResult, err := g.execWithRetry(ctx, n, opts, prepResult)
	if err != nil {
		if opts.fallback == nil {
			return nil, fmt.Errorf("exec failed: %w", err)
		}
		g.opts.logger.Debug(ctx, "executing fallback", "node", n.Name(), "error", err)
		fallbackResult, fallbackErr := opts.fallback(ctx, prepResult, err)
		if fallbackErr != nil {
			return nil, fmt.Errorf("exec failed and fallback failed: primary=%w, fallback=%v", err, fallbackErr)
		}
		execResult = fallbackResult
	}

	update, err = n.Post(ctx, state, prepResult, execResult)
	if err != nil {
		return nil, fmt.Errorf("post failed: %w", err)
	}
	return update, nil
}

func (g *Graph) execWithRetry(ctx context.Context, n Node, opts nodeOptions, prepResult any) (any, error) {
	if opts.maxRetries <= 0 {
		return n.Exec(ctx, prepResult)
	}

	var result any
	policy := retry.Fixed(opts.maxRetries, opts.retryDelay)
	policy.OnRetry = func(attempt int, err error) {
		g.opts.logger.Debug(ctx, "retrying node", "node", n.Name(), "attempt", attempt, "error", err)
	}
	err := policy.Do(ctx, func() error {
		var execErr error
		result, execErr = n.Exec(ctx, prepResult)
		return execErr
	})
	return result, err
}
