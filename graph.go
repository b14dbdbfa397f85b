package gestalt

import (
	"errors"
	"fmt"
	"slices"
)

// Router picks the successors of a node from the state merged after the
// node completed. It must be a pure function and return a non-empty subset
// of the candidates it was declared with.
type Router func(state State) []string

type route struct {
	router     Router
	candidates []string
}

// Builder assembles a graph. Errors are collected and reported by Build.
type Builder struct {
	name   string
	schema *Schema
	nodes  map[string]Node
	order  []string
	start  string
	edges  map[string][]string
	routes map[string]route
	errs   []error
}

// NewBuilder starts a graph over the given schema.
func NewBuilder(name string, schema *Schema) *Builder {
	return &Builder{
		name:   name,
		schema: schema,
		nodes:  make(map[string]Node),
		edges:  make(map[string][]string),
		routes: make(map[string]route),
	}
}

// Add registers nodes. The first node added becomes the start node unless
// Start is called.
func (b *Builder) Add(nodes ...Node) *Builder {
	for _, n := range nodes {
		if n == nil {
			b.errs = append(b.errs, fmt.Errorf("%w: nil node", ErrNodeNotFound))
			continue
		}
		name := n.Name()
		if _, dup := b.nodes[name]; dup {
			b.errs = append(b.errs, fmt.Errorf("%w: %q", ErrDuplicateNode, name))
			continue
		}
		b.nodes[name] = n
		b.order = append(b.order, name)
		if b.start == "" {
			b.start = name
		}
	}
	return b
}

// Start sets the start node.
func (b *Builder) Start(name string) *Builder {
	b.start = name
	return b
}

// Connect adds a static edge from -> to.
func (b *Builder) Connect(from, to string) *Builder {
	if !slices.Contains(b.edges[from], to) {
		b.edges[from] = append(b.edges[from], to)
	}
	return b
}

// Route adds a conditional edge from a node to a router-chosen subset of
// candidates.
func (b *Builder) Route(from string, router Router, candidates ...string) *Builder {
	if _, exists := b.routes[from]; exists {
		b.errs = append(b.errs, &RouterContractError{Node: from, Reason: "declared twice"})
		return b
	}
	b.routes[from] = route{router: router, candidates: slices.Clone(candidates)}
	return b
}

// Build validates the definition and returns an immutable graph.
func (b *Builder) Build(opts ...GraphOption) (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if b.schema == nil {
		return nil, fmt.Errorf("gestalt: graph %s has no schema", b.name)
	}
	if b.start == "" {
		return nil, ErrNoStartNode
	}
	if _, ok := b.nodes[b.start]; !ok {
		return nil, fmt.Errorf("%w: start node %q", ErrNodeNotFound, b.start)
	}

	succ := make(map[string][]string, len(b.nodes))
	for from, targets := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("%w: edge source %q", ErrNodeNotFound, from)
		}
		for _, to := range targets {
			if _, ok := b.nodes[to]; !ok {
				return nil, fmt.Errorf("%w: edge %s -> %s", ErrNodeNotFound, from, to)
			}
		}
		succ[from] = append(succ[from], targets...)
	}
	for from, r := range b.routes {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("%w: router source %q", ErrNodeNotFound, from)
		}
		if r.router == nil {
			return nil, &RouterContractError{Node: from, Reason: "is nil"}
		}
		if len(r.candidates) == 0 {
			return nil, &RouterContractError{Node: from, Reason: "declares no candidates"}
		}
		if len(b.edges[from]) > 0 {
			return nil, fmt.Errorf("%w: %q", ErrMixedEdges, from)
		}
		for _, c := range r.candidates {
			if _, ok := b.nodes[c]; !ok {
				return nil, &RouterContractError{Node: from, Returned: []string{c}, Reason: "names an unknown candidate"}
			}
		}
		succ[from] = append(succ[from], r.candidates...)
	}

	topo, err := topoSort(b.order, succ)
	if err != nil {
		return nil, err
	}

	reach := map[string]bool{b.start: true}
	for _, name := range topo {
		if !reach[name] {
			continue
		}
		for _, next := range succ[name] {
			reach[next] = true
		}
	}
	for _, name := range b.order {
		if !reach[name] {
			return nil, fmt.Errorf("%w: %q", ErrUnreachable, name)
		}
	}

	terminal := false
	for _, name := range b.order {
		if len(succ[name]) == 0 {
			terminal = true
			break
		}
	}
	if !terminal {
		return nil, ErrNoTerminal
	}

	g := &Graph{
		name:      b.name,
		schema:    b.schema,
		nodes:     make(map[string]Node, len(b.nodes)),
		order:     topo,
		start:     b.start,
		edges:     make(map[string][]string, len(b.edges)),
		routes:    make(map[string]route, len(b.routes)),
		ancestors: ancestors(topo, succ),
		opts:      graphOptions{logger: NopLogger{}},
	}
	for name, n := range b.nodes {
		g.nodes[name] = n
	}
	for from, targets := range b.edges {
		g.edges[from] = slices.Clone(targets)
	}
	for from, r := range b.routes {
		g.routes[from] = route{router: r.router, candidates: slices.Clone(r.candidates)}
	}
	for _, opt := range opts {
		opt(&g.opts)
	}
	return g, nil
}

// topoSort orders nodes with Kahn's algorithm, keeping insertion order among
// nodes that become ready together.
func topoSort(order []string, succ map[string][]string) ([]string, error) {
	indeg := make(map[string]int, len(order))
	for _, name := range order {
		indeg[name] += 0
		for _, next := range succ[name] {
			indeg[next]++
		}
	}

	var queue, out []string
	for _, name := range order {
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, name)
		for _, next := range succ[name] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(out) != len(order) {
		var stuck []string
		for _, name := range order {
			if indeg[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCycle, stuck)
	}
	return out, nil
}

// ancestors computes the transitive predecessors of every node.
func ancestors(topo []string, succ map[string][]string) map[string]map[string]bool {
	anc := make(map[string]map[string]bool, len(topo))
	for _, name := range topo {
		if anc[name] == nil {
			anc[name] = map[string]bool{}
		}
		for _, next := range succ[name] {
			if anc[next] == nil {
				anc[next] = map[string]bool{}
			}
			anc[next][name] = true
			for a := range anc[name] {
				anc[next][a] = true
			}
		}
	}
	return anc
}

// Graph is an immutable, validated graph definition. One Graph may be run
// any number of times concurrently; each Run owns its own state.
type Graph struct {
	name      string
	schema    *Schema
	nodes     map[string]Node
	order     []string
	start     string
	edges     map[string][]string
	routes    map[string]route
	ancestors map[string]map[string]bool
	opts      graphOptions
}

type graphOptions struct {
	logger Logger
	tracer Tracer
}

// GraphOption configures a Graph.
type GraphOption func(*graphOptions)

// WithLogger adds logging to the graph.
func WithLogger(logger Logger) GraphOption {
	return func(o *graphOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer adds a span around every node execution.
func WithTracer(tracer Tracer) GraphOption {
	return func(o *graphOptions) {
		o.tracer = tracer
	}
}

// Name returns the graph's identifier.
func (g *Graph) Name() string { return g.name }

// Schema returns the state schema of the graph.
func (g *Graph) Schema() *Schema { return g.schema }

// Start returns the start node name.
func (g *Graph) Start() string { return g.start }

// Nodes returns node names in topological order.
func (g *Graph) Nodes() []string { return slices.Clone(g.order) }

// Node returns the named node.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Edges describes the outgoing edges of a node. For a routed node,
// conditional is true and targets lists the router's candidates.
func (g *Graph) Edges(name string) (targets []string, conditional bool) {
	if r, ok := g.routes[name]; ok {
		return slices.Clone(r.candidates), true
	}
	return slices.Clone(g.edges[name]), false
}

// NewState creates an initial state for this graph.
func (g *Graph) NewState(initial Update) (State, error) {
	return NewState(g.schema, initial)
}
