package node

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/vk/aqlbuild/internal/builder"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/events"
	"github.com/zclconf/go-cty/cty"
)

// ErrTargetsAlreadySet is returned when a builder declares targets twice in
// one invocation.
var ErrTargetsAlreadySet = errors.New("targets already set for this build")

// BuildContext is what a builder sees while it runs. Workers only touch the
// context; the build manager applies its contents to the node once the task
// has finished.
type BuildContext struct {
	Node    *Node
	Sources []entity.Entity
	Cwd     string

	options map[string]cty.Value
	sink    *events.Sink

	mu          sync.Mutex
	targetsSet  bool
	targets     []entity.Entity
	sideEffects []entity.Entity
	ideps       []entity.Entity
	added       []*Node
	commands    []builder.CommandResult
	output      strings.Builder
}

// NewBuildContext snapshots the sources of n for one invocation.
func NewBuildContext(n *Node, options map[string]cty.Value, sink *events.Sink) *BuildContext {
	return &BuildContext{
		Node:    n,
		Sources: n.Sources(),
		Cwd:     n.Cwd(),
		options: options,
		sink:    sink,
	}
}

// Option returns the value of a project option.
func (bc *BuildContext) Option(name string) (cty.Value, bool) {
	v, ok := bc.options[name]
	return v, ok
}

// Options returns the option snapshot.
func (bc *BuildContext) Options() map[string]cty.Value { return bc.options }

// SetTargets declares the outcome of the build. It may be called once.
func (bc *BuildContext) SetTargets(targets, sideEffects, implicitDeps []entity.Entity) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.targetsSet {
		return ErrTargetsAlreadySet
	}
	bc.targetsSet = true
	bc.targets = targets
	bc.sideEffects = sideEffects
	bc.ideps = implicitDeps
	return nil
}

// Result returns what SetTargets recorded.
func (bc *BuildContext) Result() (targets, sideEffects, implicitDeps []entity.Entity, ok bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.targets, bc.sideEffects, bc.ideps, bc.targetsSet
}

// AddDeps registers prerequisites discovered during the build. The builder
// returns StatusRebuild afterwards; the manager adds the nodes to the graph
// and runs the builder again once they are built.
func (bc *BuildContext) AddDeps(nodes ...*Node) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.added = append(bc.added, nodes...)
}

// AddedDeps returns the nodes passed to AddDeps.
func (bc *BuildContext) AddedDeps() []*Node {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.added
}

// Emit forwards ev to the host event sink.
func (bc *BuildContext) Emit(ev events.Event) {
	bc.sink.Emit(ev)
}

// RunCommand runs argv in the node directory unless opts says otherwise and
// keeps the result for failure reports.
func (bc *BuildContext) RunCommand(ctx context.Context, argv []string, opts builder.CommandOptions) (builder.CommandResult, error) {
	if opts.Dir == "" {
		opts.Dir = bc.Cwd
	}
	res, err := builder.RunCommand(ctx, argv, opts)
	bc.mu.Lock()
	bc.commands = append(bc.commands, res)
	bc.output.WriteString(res.Stdout)
	bc.mu.Unlock()
	return res, err
}

// Commands returns every command run so far.
func (bc *BuildContext) Commands() []builder.CommandResult {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.commands
}

// Output returns the captured stdout of every command.
func (bc *BuildContext) Output() string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.output.String()
}
