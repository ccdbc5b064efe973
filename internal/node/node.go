package node

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/vk/aqlbuild/internal/builder"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/fsutil"
	"github.com/zeebo/xxh3"
)

// Node is a builder bound to its sources and dependencies: one vertex of the
// build graph.
//
// The declaration methods may only be called before the node is added to a
// build manager, which freezes it. Run state (refreshed sources, targets,
// implicit deps) is owned by the manager goroutine.
type Node struct {
	builder Builder
	cwd     string

	sources     []entity.Entity
	sourceNodes []*Node
	depNodes    []*Node
	depEntities []entity.Entity

	frozen bool

	keysOnce sync.Once
	keys     struct{ name, targets, side, ideps string }

	parent   *Node
	subNodes []*Node

	// Run state.
	live        []entity.Entity
	liveDeps    []entity.Entity
	discovered  []*Node
	targets     []entity.Entity
	sideEffects []entity.Entity
	ideps       []entity.Entity
}

// New binds b to sources. Relative file paths in sources are resolved by the
// entity constructors; cwd defaults to the process working directory.
func New(b Builder, sources ...entity.Entity) *Node {
	return &Node{builder: b, sources: append([]entity.Entity(nil), sources...)}
}

func (n *Node) mutable() {
	if n.frozen {
		panic(fmt.Sprintf("node %s modified after being added to a build", n.TraceName(true)))
	}
}

// SetCwd sets the directory builders run in.
func (n *Node) SetCwd(dir string) *Node {
	n.mutable()
	n.cwd = fsutil.AbsPath(dir, "")
	return n
}

// AddSources appends source entities.
func (n *Node) AddSources(sources ...entity.Entity) *Node {
	n.mutable()
	n.sources = append(n.sources, sources...)
	return n
}

// AddSourceNodes appends nodes whose targets become sources of n once built.
func (n *Node) AddSourceNodes(nodes ...*Node) *Node {
	n.mutable()
	n.sourceNodes = append(n.sourceNodes, nodes...)
	return n
}

// DependsOnNodes adds order-only node dependencies.
func (n *Node) DependsOnNodes(nodes ...*Node) *Node {
	n.mutable()
	n.depNodes = append(n.depNodes, nodes...)
	return n
}

// DependsOnEntities adds order-only entity dependencies.
func (n *Node) DependsOnEntities(entities ...entity.Entity) *Node {
	n.mutable()
	n.depEntities = append(n.depEntities, entities...)
	return n
}

// Depends accepts any mix of *Node and entity.Entity.
func (n *Node) Depends(items ...any) error {
	for _, item := range items {
		switch v := item.(type) {
		case *Node:
			n.DependsOnNodes(v)
		case entity.Entity:
			n.DependsOnEntities(v)
		default:
			return fmt.Errorf("node %s cannot depend on %T", n.TraceName(true), item)
		}
	}
	return nil
}

// Freeze rejects further declarations.
func (n *Node) Freeze() { n.frozen = true }

// Frozen reports whether the node was added to a build.
func (n *Node) Frozen() bool { return n.frozen }

func (n *Node) Builder() Builder                 { return n.builder }
func (n *Node) Cwd() string                      { return n.cwd }
func (n *Node) DeclaredSources() []entity.Entity { return n.sources }
func (n *Node) SourceNodes() []*Node             { return n.sourceNodes }
func (n *Node) DepNodes() []*Node                { return n.depNodes }
func (n *Node) DepEntities() []entity.Entity     { return n.depEntities }
func (n *Node) Discovered() []*Node              { return n.discovered }
func (n *Node) SubNodes() []*Node                { return n.subNodes }
func (n *Node) Parent() *Node                    { return n.parent }

// Predecessors returns every node that must succeed before n can run.
func (n *Node) Predecessors() []*Node {
	out := make([]*Node, 0, len(n.sourceNodes)+len(n.depNodes)+len(n.discovered)+len(n.subNodes))
	out = append(out, n.sourceNodes...)
	out = append(out, n.depNodes...)
	out = append(out, n.discovered...)
	out = append(out, n.subNodes...)
	return out
}

// Name is the node identity: a hash of the builder name key and the ordered
// identities of sources and explicit dependencies.
func (n *Node) Name() string {
	n.computeKeys()
	return n.keys.name
}

// TargetsKey names the record holding the node targets.
func (n *Node) TargetsKey() string {
	n.computeKeys()
	return n.keys.targets
}

// SideEffectsKey names the record holding the node side effects.
func (n *Node) SideEffectsKey() string {
	n.computeKeys()
	return n.keys.side
}

// IdepsKey names the record holding the node implicit dependencies.
func (n *Node) IdepsKey() string {
	n.computeKeys()
	return n.keys.ideps
}

func (n *Node) computeKeys() {
	n.keysOnce.Do(func() {
		h := xxh3.New()
		write := func(b []byte) {
			var l [8]byte
			binary.BigEndian.PutUint64(l[:], uint64(len(b)))
			h.Write(l[:])
			h.Write(b)
		}
		write([]byte(n.builder.Name()))
		write(nameKey(n.builder))
		write([]byte("sources"))
		for _, e := range n.sources {
			write(e.Identity())
		}
		write([]byte("source_nodes"))
		for _, sn := range n.sourceNodes {
			write([]byte(sn.Name()))
		}
		write([]byte("dep_nodes"))
		for _, dn := range n.depNodes {
			write([]byte(dn.Name()))
		}
		write([]byte("dep_entities"))
		for _, e := range n.depEntities {
			write(e.Identity())
		}
		sum := h.Sum128().Bytes()
		n.keys.name = hex.EncodeToString(sum[:])
		n.keys.targets = deriveKey(n.keys.name, "targets")
		n.keys.side = deriveKey(n.keys.name, "side")
		n.keys.ideps = deriveKey(n.keys.name, "ideps")
	})
}

func nameKey(b Builder) []byte {
	if id, ok := b.(Identifier); ok {
		return id.NameKey()
	}
	return b.Signature()
}

func deriveKey(name, suffix string) string {
	return hex.EncodeToString(fsutil.HashBytes([]byte(name + "\x00" + suffix)))
}

// TraceName is the human readable label of n.
func (n *Node) TraceName(brief bool) string {
	if t, ok := n.builder.(Tracer); ok {
		return t.TraceName(n.sources, brief)
	}
	names := entity.Names(n.sources)
	if len(names) == 0 {
		for _, sn := range n.sourceNodes {
			names = append(names, sn.TraceName(true))
		}
	}
	return builder.TraceName(n.builder.Name(), names, brief)
}

func (n *Node) String() string { return n.TraceName(true) }

// IntendedTargets returns the targets the builder announces for the declared
// sources, or nil when it does not predict them.
func (n *Node) IntendedTargets() []entity.Entity {
	if len(n.subNodes) > 0 {
		var out []entity.Entity
		for _, s := range n.subNodes {
			out = append(out, s.IntendedTargets()...)
		}
		return out
	}
	if p, ok := n.builder.(TargetPredictor); ok {
		return p.TargetEntities(n.sources)
	}
	return nil
}

// Split partitions n into sub-nodes according to the builder policy. It
// returns nil when n runs as a whole. Nodes fed by other nodes are never
// split because their sources are unknown until the producers finish.
func (n *Node) Split() []*Node {
	if n.subNodes != nil {
		return n.subNodes
	}
	sp, ok := n.builder.(Splitter)
	if !ok || sp.Policy() == PolicyBatch || n.parent != nil || len(n.sourceNodes) > 0 {
		return nil
	}
	groups := sp.Split(n.sources)
	if len(groups) <= 1 {
		return nil
	}
	n.mutable()
	subs := make([]*Node, 0, len(groups))
	for _, g := range groups {
		s := New(n.builder, g...)
		s.cwd = n.cwd
		s.depNodes = n.depNodes
		s.depEntities = n.depEntities
		s.parent = n
		subs = append(subs, s)
	}
	n.subNodes = subs
	return subs
}

// IsAggregate reports whether n only collects the targets of its sub-nodes.
func (n *Node) IsAggregate() bool { return len(n.subNodes) > 0 }

// CollectSubTargets sets the targets of an aggregate to the union of its
// sub-node targets.
func (n *Node) CollectSubTargets() {
	var targets, side []entity.Entity
	for _, s := range n.subNodes {
		targets = append(targets, s.targets...)
		side = append(side, s.sideEffects...)
	}
	n.targets, n.sideEffects = targets, side
}

// AddDiscovered records prerequisites added by the builder during a build.
// Their targets are fed to the builder as extra sources and persisted as
// implicit dependencies.
func (n *Node) AddDiscovered(nodes ...*Node) {
	n.discovered = append(n.discovered, nodes...)
}

// Refresh re-reads declared sources and dependency entities and clears the
// results of any previous run.
func (n *Node) Refresh() {
	n.live = refreshAll(n.sources)
	n.liveDeps = refreshAll(n.depEntities)
	n.targets, n.sideEffects, n.ideps = nil, nil, nil
}

func refreshAll(in []entity.Entity) []entity.Entity {
	out := make([]entity.Entity, len(in))
	for i, e := range in {
		out[i] = e.Refresh()
	}
	return out
}

func (n *Node) liveSources() []entity.Entity {
	if n.live == nil && len(n.sources) > 0 {
		n.Refresh()
	}
	return n.live
}

// Sources returns what the builder consumes: the declared sources followed
// by the targets of source nodes and of discovered prerequisites.
func (n *Node) Sources() []entity.Entity {
	out := append([]entity.Entity(nil), n.liveSources()...)
	for _, sn := range n.sourceNodes {
		out = append(out, sn.targets...)
	}
	for _, dn := range n.discovered {
		out = append(out, dn.targets...)
	}
	return out
}

// Targets returns the targets of the last successful build or actuality
// check.
func (n *Node) Targets() []entity.Entity { return n.targets }

// SideEffects returns the side effects recorded with the targets.
func (n *Node) SideEffects() []entity.Entity { return n.sideEffects }

// ImplicitDeps returns the implicit dependencies recorded with the targets.
func (n *Node) ImplicitDeps() []entity.Entity { return n.ideps }

// SetResult installs the outcome of a build.
func (n *Node) SetResult(targets, sideEffects, implicitDeps []entity.Entity) {
	n.targets = targets
	n.sideEffects = sideEffects
	ideps := append([]entity.Entity(nil), implicitDeps...)
	for _, dn := range n.discovered {
		ideps = append(ideps, dn.targets...)
	}
	n.ideps = ideps
}

// AdoptResult copies the results of twin, a node with the same name that
// ran in place of n.
func (n *Node) AdoptResult(twin *Node) {
	n.targets, n.sideEffects, n.ideps = twin.targets, twin.sideEffects, twin.ideps
}
