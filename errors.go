package gestalt

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors.
var (
	// ErrNoStartNode is returned when a graph has no start node defined.
	ErrNoStartNode = errors.New("gestalt: no start node defined")

	// ErrNodeNotFound is returned when a referenced node doesn't exist.
	ErrNodeNotFound = errors.New("gestalt: node not found")

	// ErrDuplicateNode is returned when two nodes share a name.
	ErrDuplicateNode = errors.New("gestalt: duplicate node")

	// ErrCycle is returned when the declared edges contain a cycle.
	ErrCycle = errors.New("gestalt: graph contains a cycle")

	// ErrNoTerminal is returned when no node is free of outgoing edges.
	ErrNoTerminal = errors.New("gestalt: graph has no terminal node")

	// ErrUnreachable is returned when a node cannot be reached from start.
	ErrUnreachable = errors.New("gestalt: node unreachable from start")

	// ErrMixedEdges is returned when a node has both static edges and a router.
	ErrMixedEdges = errors.New("gestalt: node has both static and conditional edges")

	// ErrSchemaMismatch is returned when a state was built for another schema.
	ErrSchemaMismatch = errors.New("gestalt: state schema does not match graph schema")

	// ErrInvalidInput is returned when a lifecycle step receives the wrong type.
	ErrInvalidInput = errors.New("gestalt: invalid input type")

	// ErrNodePanic is returned when a node panics during execution.
	ErrNodePanic = errors.New("gestalt: node panicked")
)

// Merge errors.
var (
	// ErrFieldAlreadySet is returned when a write-once field is written twice.
	ErrFieldAlreadySet = errors.New("field already set")

	// ErrUnknownField is returned when an update names an undeclared field.
	ErrUnknownField = errors.New("unknown field")

	// ErrKeyConflict is returned when two writers union-merge different
	// values under the same key.
	ErrKeyConflict = errors.New("conflicting value for key")

	// ErrTypeMismatch is returned when a union-merge sees incompatible maps.
	ErrTypeMismatch = errors.New("type mismatch")
)

// MergeError describes a rejected state update.
type MergeError struct {
	Field string
	Key   string
	Err   error
}

func (e *MergeError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("merge %s[%s]: %v", e.Field, e.Key, e.Err)
	}
	return fmt.Sprintf("merge %s: %v", e.Field, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// RouterContractError reports a router that is declared or behaves outside
// its contract. It is a programming error and always fatal.
type RouterContractError struct {
	Node     string
	Returned []string
	Reason   string
}

func (e *RouterContractError) Error() string {
	if len(e.Returned) > 0 {
		return fmt.Sprintf("gestalt: router on %q %s (returned %v)", e.Node, e.Reason, e.Returned)
	}
	return fmt.Sprintf("gestalt: router on %q %s", e.Node, e.Reason)
}

// NodeError wraps the failure of a single node.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// RunError is returned by Graph.Run when any activated node fails or the
// context ends first. State holds everything merged before the run stopped.
type RunError struct {
	Graph    string
	Failures []*NodeError
	Skipped  []string
	Cause    error
	State    State
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "graph %s failed", e.Graph)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	for i, f := range e.Failures {
		if i == 0 && e.Cause == nil {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.Error())
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, " (skipped %s)", strings.Join(e.Skipped, ", "))
	}
	return b.String()
}

// Unwrap exposes the cause and every node failure to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Failed reports whether the named node is among the failures.
func (e *RunError) Failed(node string) bool {
	for _, f := range e.Failures {
		if f.Node == node {
			return true
		}
	}
	return false
}
