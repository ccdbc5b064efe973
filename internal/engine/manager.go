package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/vk/aqlbuild/internal/ctxlog"
	"github.com/vk/aqlbuild/internal/dag"
	"github.com/vk/aqlbuild/internal/entitystore"
	"github.com/vk/aqlbuild/internal/errkind"
	"github.com/vk/aqlbuild/internal/events"
	"github.com/vk/aqlbuild/internal/executor"
	"github.com/vk/aqlbuild/internal/node"
	"github.com/zclconf/go-cty/cty"
)

// DefaultMaxRebuilds bounds how many times one node may ask to be rebuilt
// within a single build.
const DefaultMaxRebuilds = 2

// Options configures a BuildManager.
type Options struct {
	Workers     int
	StopOnFail  bool
	MaxRebuilds int
	// Variables is the options snapshot handed to every builder.
	Variables map[string]cty.Value
	Store     entitystore.Options
}

// BuildManager owns the live nodes of a project and the state file they are
// checked against. It is not safe for concurrent use; builders run on the
// worker pool but never touch the manager.
type BuildManager struct {
	opts  Options
	store *entitystore.Store
	pool  *executor.Pool
	sink  *events.Sink

	// graph holds every edge ever added and is only used for cycle checks.
	// Each run works on a fresh copy.
	graph   *dag.Graph
	nodes   map[string]*node.Node
	aliases map[string][]*node.Node
	seen    map[*node.Node]string
	preds   map[string][]string
	order   []string
	targets map[string]string
}

// New opens the state file at storePath and prepares a worker pool.
func New(ctx context.Context, storePath string, opts Options) (*BuildManager, error) {
	if opts.MaxRebuilds <= 0 {
		opts.MaxRebuilds = DefaultMaxRebuilds
	}
	store, err := entitystore.Open(ctx, storePath, opts.Store)
	if err != nil {
		return nil, fmt.Errorf("opening build state %s: %w", storePath, err)
	}
	ctxlog.FromContext(ctx).Debug("Build state opened.", "path", storePath, "entities", store.Len())

	return &BuildManager{
		opts:    opts,
		store:   store,
		pool:    executor.New(opts.Workers, opts.StopOnFail),
		sink:    &events.Sink{},
		graph:   dag.New(),
		nodes:   make(map[string]*node.Node),
		aliases: make(map[string][]*node.Node),
		seen:    make(map[*node.Node]string),
		preds:   make(map[string][]string),
		targets: make(map[string]string),
	}, nil
}

// RegisterEventHandler installs h for events at level min or above.
func (m *BuildManager) RegisterEventHandler(min events.Level, h events.Handler) {
	m.sink.Register(min, h)
}

// Store returns the entities file of the manager.
func (m *BuildManager) Store() *entitystore.Store { return m.store }

// Len returns the number of distinct nodes added so far.
func (m *BuildManager) Len() int { return len(m.order) }

// Node returns the node registered under name.
func (m *BuildManager) Node(name string) (*node.Node, bool) {
	n, ok := m.nodes[name]
	return n, ok
}

// Close stops the workers and releases the state file.
func (m *BuildManager) Close() error {
	m.pool.Stop()
	return m.store.Close()
}

// Add registers nodes and, recursively, everything they depend on. Nodes
// are split according to their builder policy and frozen. Add fails without
// running anything when two nodes share a name but not a builder signature,
// when two nodes intend to produce the same target, or when the new edges
// close a cycle.
func (m *BuildManager) Add(nodes ...*node.Node) error {
	for _, n := range nodes {
		if _, err := m.add(n, nil); err != nil {
			return err
		}
	}
	return nil
}

// add walks predecessors first so a node name is only computed once the
// names it depends on are known. path is the chain of nodes being visited.
func (m *BuildManager) add(n *node.Node, path []*node.Node) (string, error) {
	if name, ok := m.seen[n]; ok {
		return name, nil
	}
	for i, p := range path {
		if p == n {
			return "", errkind.New(errkind.ErrCyclicDependency, "%s", cycleString(path[i:], n))
		}
	}
	path = append(path, n)

	if !n.Frozen() {
		n.Split()
		n.Freeze()
	}

	preds := n.Predecessors()
	predNames := make([]string, 0, len(preds))
	for _, p := range preds {
		pn, err := m.add(p, path)
		if err != nil {
			return "", err
		}
		predNames = append(predNames, pn)
	}

	name := n.Name()
	if existing, ok := m.nodes[name]; ok {
		if !bytes.Equal(existing.Builder().Signature(), n.Builder().Signature()) {
			return "", errkind.New(errkind.ErrNodeSignatureMismatch,
				"%s and %s share a name but not a builder signature", existing.TraceName(true), n.TraceName(true))
		}
		m.seen[n] = name
		m.aliases[name] = append(m.aliases[name], n)
		return name, nil
	}

	var claimed []string
	if !n.IsAggregate() {
		for _, t := range n.IntendedTargets() {
			tn := t.Name()
			if owner, ok := m.targets[tn]; ok && owner != name {
				return "", errkind.New(errkind.ErrDuplicateTargets,
					"%s is a target of both %s and %s", tn, m.nodes[owner].TraceName(true), n.TraceName(true))
			}
			claimed = append(claimed, tn)
		}
	}

	m.graph.AddNode(name)
	for _, pn := range predNames {
		if err := m.graph.AddEdge(pn, name); err != nil {
			return "", err
		}
	}
	for _, tn := range claimed {
		m.targets[tn] = name
	}
	m.seen[n] = name
	m.nodes[name] = n
	m.preds[name] = append(m.preds[name], predNames...)
	m.order = append(m.order, name)
	return name, nil
}

func cycleString(chain []*node.Node, closing *node.Node) string {
	parts := make([]string, 0, len(chain)+1)
	for _, n := range chain {
		parts = append(parts, n.TraceName(true))
	}
	parts = append(parts, closing.TraceName(true))
	return strings.Join(parts, " -> ")
}

// runGraph copies the registered nodes and edges into a graph one run can
// consume.
func (m *BuildManager) runGraph() *dag.Graph {
	g := dag.New()
	m.extendRunGraph(g, 0)
	return g
}

// extendRunGraph adds nodes registered from position from onwards to g.
func (m *BuildManager) extendRunGraph(g *dag.Graph, from int) {
	for _, name := range m.order[from:] {
		g.AddNode(name)
	}
	for _, name := range m.order[from:] {
		for _, pn := range m.preds[name] {
			// The registration graph already rejected cycles.
			_ = g.AddEdge(pn, name)
		}
	}
}

// refreshAll re-reads the live state of every node before a run.
func (m *BuildManager) refreshAll() {
	for _, name := range m.order {
		m.nodes[name].Refresh()
		for _, a := range m.aliases[name] {
			a.Refresh()
		}
	}
}

// complete removes name from the run graph and shares its results with
// nodes registered under the same name.
func (m *BuildManager) complete(g *dag.Graph, name string) error {
	n := m.nodes[name]
	for _, a := range m.aliases[name] {
		a.AdoptResult(n)
	}
	_, err := g.RemoveTail(name)
	return err
}
