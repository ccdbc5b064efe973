package node

import (
	"context"

	"github.com/vk/aqlbuild/internal/entity"
)

// Status is the non-error outcome of a builder invocation.
type Status int

const (
	// StatusBuilt means the targets were produced and declared.
	StatusBuilt Status = iota
	// StatusRebuild means the builder added prerequisites through
	// BuildContext.AddDeps and must run again once they are built.
	StatusRebuild
)

func (s Status) String() string {
	if s == StatusRebuild {
		return "rebuild"
	}
	return "built"
}

// Builder is the unit of work bound to a node.
type Builder interface {
	// Signature covers every setting that influences the output. It is
	// part of the name of every node using the builder.
	Signature() []byte
	// Name is a short type tag used in trace names.
	Name() string
	// Build produces the node targets and declares them with
	// BuildContext.SetTargets. It must be deterministic for identical
	// sources and signature.
	Build(ctx context.Context, bc *BuildContext) (Status, error)
}

// Identifier separates naming from signing. NameKey covers the settings
// that tell two builders apart (a target directory, say) and goes into the
// node name; Signature may then change between runs without renaming the
// node. Builders without it are named by their signature.
type Identifier interface {
	NameKey() []byte
}

// TargetPredictor returns the targets a builder intends to produce for a
// set of sources. The build manager uses it to detect target collisions
// before any work starts.
type TargetPredictor interface {
	TargetEntities(sources []entity.Entity) []entity.Entity
}

// Clearer deletes the artifacts of a node. Builders without it get their
// targets and side effects removed entity by entity.
type Clearer interface {
	Clear(n *Node, targets, sideEffects []entity.Entity) error
}

// Tracer customizes how nodes are named in logs.
type Tracer interface {
	TraceName(sources []entity.Entity, brief bool) string
}

// Policy is the batching policy of a builder.
type Policy int

const (
	// PolicyBatch feeds all sources to one invocation.
	PolicyBatch Policy = iota
	// PolicySingle runs one invocation per source.
	PolicySingle
	// PolicySplitBatch partitions sources into groups, one invocation each.
	PolicySplitBatch
)

func (p Policy) String() string {
	switch p {
	case PolicySingle:
		return "single"
	case PolicySplitBatch:
		return "split-batch"
	default:
		return "batch"
	}
}

// Splitter is implemented by builders whose policy is not PolicyBatch. The
// build manager splits a node into one sub-node per group when the node is
// added.
type Splitter interface {
	Policy() Policy
	Split(sources []entity.Entity) [][]entity.Entity
}

// BatchBuilder is implemented by builders that handle a whole batch
// differently from a single invocation.
type BatchBuilder interface {
	BuildBatch(ctx context.Context, bc *BuildContext) (Status, error)
}

// SplitSingle is the Split of PolicySingle builders.
func SplitSingle(sources []entity.Entity) [][]entity.Entity {
	groups := make([][]entity.Entity, len(sources))
	for i, src := range sources {
		groups[i] = []entity.Entity{src}
	}
	return groups
}
