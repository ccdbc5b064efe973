package dag

import "sync"

// Graph is a collection of nodes and their dependencies, representing a DAG.
// All operations on the graph are concurrency-safe.
type Graph struct {
	// mutex protects every field below.
	mutex sync.RWMutex
	// index maps node IDs to positions in nodes.
	index map[string]int
	// nodes stores all vertices in insertion order.
	nodes []node
	// active counts vertices that have not been removed.
	active int
}

// node is a single vertex. It is un-exported to enforce interaction with the
// graph via the public API (using string IDs).
type node struct {
	// id is the unique identifier for the node.
	id string
	// deps holds the indices of the nodes this node depends on.
	deps []int
	// dependents holds the indices of the nodes that depend on this node.
	dependents []int
	// pending counts deps that have not been removed yet.
	pending int
	// removed is set once the node completed and left the active set.
	removed bool
}
