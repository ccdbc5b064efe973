package dag

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vk/aqlbuild/internal/errkind"
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		index: make(map[string]int),
	}
}

// AddNode adds a new node with the given ID to the graph. If a node with
// the same ID already exists, the function does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.index[id]; ok {
		return
	}
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, node{id: id})
	g.active++
}

// Has reports whether id is part of the graph, completed or not.
func (g *Graph) Has(id string) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	_, ok := g.index[id]
	return ok
}

// AddEdge creates a directed edge from the `fromID` node to the `toID` node.
// This signifies that `toID` has a dependency on `fromID`. An edge that would
// close a cycle is rejected with ErrCyclicDependency. Edges from a removed
// node count as already satisfied.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return errkind.New(errkind.ErrCyclicDependency, "self-referential edge not allowed: %s -> %s", fromID, fromID)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	from, ok := g.index[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}
	to, ok := g.index[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}
	if slices.Contains(g.nodes[to].deps, from) {
		return nil
	}
	if path := g.pathLocked(to, from); path != nil {
		ids := make([]string, 0, len(path)+1)
		for _, i := range path {
			ids = append(ids, g.nodes[i].id)
		}
		ids = append(ids, toID)
		return errkind.New(errkind.ErrCyclicDependency, "%s", strings.Join(ids, " -> "))
	}

	g.nodes[to].deps = append(g.nodes[to].deps, from)
	g.nodes[from].dependents = append(g.nodes[from].dependents, to)
	if !g.nodes[from].removed {
		g.nodes[to].pending++
	}
	return nil
}

// pathLocked returns the vertices on a dependents path from src to dst, or
// nil when dst is unreachable.
func (g *Graph) pathLocked(src, dst int) []int {
	parent := map[int]int{src: -1}
	stack := []int{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == dst {
			var path []int
			for i := cur; i != -1; i = parent[i] {
				path = append(path, i)
			}
			slices.Reverse(path)
			return path
		}
		for _, next := range g.nodes[cur].dependents {
			if _, seen := parent[next]; !seen {
				parent[next] = cur
				stack = append(stack, next)
			}
		}
	}
	return nil
}

// Dependencies returns a slice of node IDs that the given node depends on.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	i, ok := g.index[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return g.idsLocked(g.nodes[i].deps), nil
}

// Dependents returns a slice of node IDs that depend on the given node.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	i, ok := g.index[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return g.idsLocked(g.nodes[i].dependents), nil
}

func (g *Graph) idsLocked(idx []int) []string {
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.nodes[i].id
	}
	return out
}

// Tails returns the active nodes whose dependencies have all been removed,
// in insertion order.
func (g *Graph) Tails() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	var out []string
	for _, n := range g.nodes {
		if !n.removed && n.pending == 0 {
			out = append(out, n.id)
		}
	}
	return out
}

// RemoveTail marks a tail as completed and returns the dependents that became
// tails as a result.
func (g *Graph) RemoveTail(id string) ([]string, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	i, ok := g.index[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	n := &g.nodes[i]
	if n.removed {
		return nil, nil
	}
	if n.pending > 0 {
		return nil, fmt.Errorf("node %s still has %d pending dependencies", id, n.pending)
	}
	n.removed = true
	g.active--

	var promoted []string
	for _, d := range n.dependents {
		dep := &g.nodes[d]
		dep.pending--
		if dep.pending == 0 && !dep.removed {
			promoted = append(promoted, dep.id)
		}
	}
	return promoted, nil
}

// Removed reports whether id has completed.
func (g *Graph) Removed(id string) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	i, ok := g.index[id]
	return ok && g.nodes[i].removed
}

// Active returns the number of nodes not yet removed.
func (g *Graph) Active() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.active
}

// Len returns the number of nodes ever added.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.nodes)
}

// Descendants returns every node reachable from id through dependents.
func (g *Graph) Descendants(id string) []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	start, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := map[int]bool{start: true}
	stack := []int{start}
	var out []string
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.nodes[cur].dependents {
			if !seen[next] {
				seen[next] = true
				out = append(out, g.nodes[next].id)
				stack = append(stack, next)
			}
		}
	}
	return out
}

// TopoOrder returns every node ID with dependencies before dependents.
func (g *Graph) TopoOrder() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		indeg[i] = len(g.nodes[i].deps)
	}
	var queue []int
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	out := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, g.nodes[cur].id)
		for _, next := range g.nodes[cur].dependents {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return out
}

// DetectCycles checks the graph for any cycles. It returns a non-nil error
// if a cycle is found, indicating the first node involved in the detected cycle.
func (g *Graph) DetectCycles() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	// Use classic depth-first search with three sets of nodes:
	// permanent: nodes that have been fully visited and are not part of a cycle.
	// temporary: nodes currently in the recursion stack for the current traversal.
	// unvisited: all other nodes.
	permanent := make([]bool, len(g.nodes))
	temporary := make([]bool, len(g.nodes))

	var visit func(i int) error
	visit = func(i int) error {
		if permanent[i] {
			return nil
		}
		if temporary[i] {
			return errkind.New(errkind.ErrCyclicDependency, "cycle detected involving node '%s'", g.nodes[i].id)
		}
		temporary[i] = true
		for _, d := range g.nodes[i].dependents {
			if err := visit(d); err != nil {
				return err
			}
		}
		temporary[i] = false
		permanent[i] = true
		return nil
	}

	for i := range g.nodes {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}
