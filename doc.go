/*
Package gestalt runs content-generation workflows as directed acyclic graphs
whose branch sets are chosen at run time.

A graph is a set of named nodes joined by static edges and routers. Each node
follows a Prep/Exec/Post lifecycle: Prep reads a snapshot of the run's state,
Exec does the work (usually a call to an external collaborator) and Post
returns a partial update. The executor merges updates one at a time using
the merge rule declared for each field, so concurrent branches never share
memory.

Basic usage:

	schema := gestalt.NewSchema(
	    gestalt.Field{Name: "input", Rule: gestalt.OverwriteIfUnset},
	    gestalt.Field{Name: "artifacts", Rule: gestalt.UnionMerge},
	)

	g, err := gestalt.NewBuilder("example", schema).
	    Add(fetch, left, right, join).
	    Route("fetch", pickBranches, "left", "right").
	    Connect("left", "join").
	    Connect("right", "join").
	    Build()

	state, _ := g.NewState(gestalt.Update{"input": "hello"})
	final, err := g.Run(ctx, state)

Routers may return several successors; all of them start concurrently. A
node with more than one predecessor runs once every predecessor that was
actually activated has finished, so branches a router skipped are never
waited for.

Nested graphs are wrapped with NewSubgraph, which gives the child its own
state derived from the parent snapshot.
*/
package gestalt
