// Package render draws built graphs as Mermaid flowcharts.
package render

import (
	"fmt"
	"strings"

	"github.com/agentstation/gestalt"
)

// Options controls what Mermaid renders.
type Options struct {
	// Expand draws the nested graph of sub-graph nodes inside a
	// Mermaid subgraph block.
	Expand bool
	// Direction is the flowchart direction, TD by default.
	Direction string
}

// Mermaid renders g as a flowchart:
//   - start node: ((circle))
//   - terminal node: ([stadium])
//   - routed node: {rhombus}, with dotted edges to its candidates
//   - sub-graph node: [[subroutine]]
func Mermaid(g *gestalt.Graph, opts Options) string {
	dir := opts.Direction
	if dir == "" {
		dir = "TD"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %s\n", dir)
	writeGraph(&sb, g, "", "    ", opts)
	return sb.String()
}

func writeGraph(sb *strings.Builder, g *gestalt.Graph, prefix, indent string, opts Options) {
	for _, name := range g.Nodes() {
		id := nodeID(prefix, name)
		targets, conditional := g.Edges(name)
		n, _ := g.Node(name)
		child, isSub := gestalt.Subgraph(n)

		opener, closer := "[", "]"
		switch {
		case name == g.Start():
			opener, closer = "((", "))"
		case conditional:
			opener, closer = "{", "}"
		case isSub:
			opener, closer = "[[", "]]"
		case len(targets) == 0:
			opener, closer = "([", "])"
		}
		fmt.Fprintf(sb, "%s%s%s\"%s\"%s\n", indent, id, opener, name, closer)

		if isSub && opts.Expand {
			fmt.Fprintf(sb, "%ssubgraph %s_graph [\"%s\"]\n", indent, id, child.Name())
			writeGraph(sb, child, id, indent+"    ", opts)
			fmt.Fprintf(sb, "%send\n", indent)
			fmt.Fprintf(sb, "%s%s -.- %s\n", indent, id, nodeID(id, child.Start()))
		}

		arrow := "-->"
		if conditional {
			arrow = "-.->"
		}
		for _, to := range targets {
			fmt.Fprintf(sb, "%s%s %s %s\n", indent, id, arrow, nodeID(prefix, to))
		}
	}
}

func nodeID(prefix, name string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", " ", "_")
	id := r.Replace(name)
	if prefix != "" {
		id = prefix + "__" + id
	}
	return id
}
