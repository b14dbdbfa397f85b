package gestalt

import (
	"context"
	"fmt"
	"time"
)

// PrepFunc reads what the node needs from a state snapshot.
type PrepFunc func(ctx context.Context, state State) (prepResult any, err error)

// ExecFunc performs the node's work without state access.
type ExecFunc func(ctx context.Context, prepResult any) (execResult any, err error)

// PostFunc turns the results into a partial update for the running state.
type PostFunc func(ctx context.Context, state State, prepResult, execResult any) (Update, error)

// FallbackFunc handles errors from the Exec step using the prepared data.
// Like ExecFunc, it has no state access.
type FallbackFunc func(ctx context.Context, prepResult any, execErr error) (fallbackResult any, err error)

// Steps groups the lifecycle functions for a node.
// All fields are optional - if not provided, default implementations will be used.
type Steps struct {
	Prep     PrepFunc
	Exec     ExecFunc
	Fallback FallbackFunc
	Post     PostFunc
}

// Node is a unit of work in a graph.
//
// Prep sees a snapshot of the running state, Exec sees only what Prep
// returned, and Post returns the partial update the executor merges back.
// A node never writes the running state directly.
type Node interface {
	Name() string
	Prep(ctx context.Context, state State) (prepResult any, err error)
	Exec(ctx context.Context, prepResult any) (execResult any, err error)
	Post(ctx context.Context, state State, prepResult, execResult any) (Update, error)
}

// Wrapper is implemented by nodes that decorate another node. The executor
// unwraps to find retry and timeout options.
type Wrapper interface {
	Unwrap() Node
}

type node struct {
	name string
	prep PrepFunc
	exec ExecFunc
	post PostFunc
	opts nodeOptions
	// child is the nested graph of a sub-graph node.
	child *Graph
}

type nodeOptions struct {
	prep PrepFunc
	exec ExecFunc
	post PostFunc

	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration

	onError  func(error)
	fallback FallbackFunc

	onSuccess func(ctx context.Context, update Update)
	onFailure func(ctx context.Context, err error)
}

// Option configures a Node.
type Option func(*nodeOptions)

// WithPrep sets a typed preparation function that reads the state snapshot.
func WithPrep[Out any](fn func(ctx context.Context, state State) (Out, error)) Option {
	return func(o *nodeOptions) {
		o.prep = func(ctx context.Context, state State) (any, error) {
			return fn(ctx, state)
		}
	}
}

// WithExec sets the execution function with type safety.
func WithExec[In, Out any](fn func(ctx context.Context, input In) (Out, error)) Option {
	return func(o *nodeOptions) {
		o.exec = func(ctx context.Context, prepResult any) (any, error) {
			if prepResult == nil {
				return fn(ctx, *new(In))
			}
			typed, ok := prepResult.(In)
			if !ok {
				return nil, fmt.Errorf("%w: exec expected %T, got %T", ErrInvalidInput, *new(In), prepResult)
			}
			return fn(ctx, typed)
		}
	}
}

// WithPost sets a typed post function.
func WithPost[In, Out any](fn func(ctx context.Context, state State, prepResult In, execResult Out) (Update, error)) Option {
	return func(o *nodeOptions) {
		o.post = func(ctx context.Context, state State, prepResult, execResult any) (Update, error) {
			var in In
			if prepResult != nil {
				typed, ok := prepResult.(In)
				if !ok {
					return nil, fmt.Errorf("%w: post expected prep result %T, got %T", ErrInvalidInput, in, prepResult)
				}
				in = typed
			}
			var out Out
			if execResult != nil {
				typed, ok := execResult.(Out)
				if !ok {
					return nil, fmt.Errorf("%w: post expected exec result %T, got %T", ErrInvalidInput, out, execResult)
				}
				out = typed
			}
			return fn(ctx, state, in, out)
		}
	}
}

// WithRetry configures retry behavior for the Exec step.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(o *nodeOptions) {
		o.maxRetries = maxRetries
		o.retryDelay = delay
	}
}

// WithTimeout bounds the whole lifecycle of one node execution.
func WithTimeout(timeout time.Duration) Option {
	return func(o *nodeOptions) {
		o.timeout = timeout
	}
}

// WithErrorHandler sets a callback invoked with the node's final error.
func WithErrorHandler(handler func(error)) Option {
	return func(o *nodeOptions) {
		o.onError = handler
	}
}

// WithFallback sets the function used when Exec fails after retries.
func WithFallback(fn FallbackFunc) Option {
	return func(o *nodeOptions) {
		o.fallback = fn
	}
}

// WithOnSuccess sets a hook that runs with the node's update after success.
func WithOnSuccess(fn func(ctx context.Context, update Update)) Option {
	return func(o *nodeOptions) {
		o.onSuccess = fn
	}
}

// WithOnFailure sets a hook that runs after a failed execution.
func WithOnFailure(fn func(ctx context.Context, err error)) Option {
	return func(o *nodeOptions) {
		o.onFailure = fn
	}
}

// NewNode creates a node from lifecycle steps and options. Options applied
// later override Steps.
//
//	classify := gestalt.NewNode("classify", gestalt.Steps{
//	    Prep: readProblem,
//	    Exec: callClassifier,
//	    Post: writeClassification,
//	}, gestalt.WithTimeout(time.Minute))
func NewNode(name string, steps Steps, opts ...Option) Node {
	n := &node{
		name: name,
		prep: defaultPrep,
		exec: defaultExec,
		post: defaultPost,
	}

	if steps.Prep != nil {
		n.opts.prep = steps.Prep
	}
	if steps.Exec != nil {
		n.opts.exec = steps.Exec
	}
	if steps.Post != nil {
		n.opts.post = steps.Post
	}
	if steps.Fallback != nil {
		n.opts.fallback = steps.Fallback
	}

	for _, opt := range opts {
		opt(&n.opts)
	}

	if n.opts.prep != nil {
		n.prep = n.opts.prep
	}
	if n.opts.exec != nil {
		n.exec = n.opts.exec
	}
	if n.opts.post != nil {
		n.post = n.opts.post
	}

	return n
}

func (n *node) Name() string { return n.name }

func (n *node) Prep(ctx context.Context, state State) (any, error) {
	return n.prep(ctx, state)
}

func (n *node) Exec(ctx context.Context, prepResult any) (any, error) {
	return n.exec(ctx, prepResult)
}

func (n *node) Post(ctx context.Context, state State, prepResult, execResult any) (Update, error) {
	return n.post(ctx, state, prepResult, execResult)
}

func defaultPrep(ctx context.Context, state State) (any, error) {
	return nil, nil
}

func defaultExec(ctx context.Context, prepResult any) (any, error) {
	return prepResult, nil // pass through
}

func defaultPost(ctx context.Context, state State, prepResult, execResult any) (Update, error) {
	return nil, nil
}

// optionsOf finds the options of the innermost simple node behind any wrappers.
func optionsOf(n Node) (nodeOptions, bool) {
	for n != nil {
		switch v := n.(type) {
		case *node:
			return v.opts, true
		case Wrapper:
			n = v.Unwrap()
		default:
			return nodeOptions{}, false
		}
	}
	return nodeOptions{}, false
}
