package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vk/aqlbuild/internal/builder"
	"github.com/vk/aqlbuild/internal/ctxlog"
	"github.com/vk/aqlbuild/internal/dag"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/errkind"
	"github.com/vk/aqlbuild/internal/events"
	"github.com/vk/aqlbuild/internal/executor"
	"github.com/vk/aqlbuild/internal/node"
)

// outcome is what a build task hands back to the manager.
type outcome struct {
	status node.Status
}

// run is the state of one Build call.
type run struct {
	graph    *dag.Graph
	report   *BuildReport
	contexts map[string]*node.BuildContext
	waiting  map[string]bool
	failed   map[string]bool
	done     map[string]bool
	rebuilds map[string]int
	halted   bool
	fatal    error
}

// Build brings every added node up to date. Independent branches keep
// going after a node fails unless the manager stops on failure. The
// returned error is the fatal error that ended the run early, or the joined
// node failures.
func (m *BuildManager) Build(ctx context.Context) (*BuildReport, error) {
	runID := uuid.NewString()
	ctx = ctxlog.With(ctx, "run_id", runID)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build started.", "nodes", len(m.order), "workers", m.pool.Workers())

	entity.ResetFileCache()
	m.refreshAll()

	r := &run{
		graph:    m.runGraph(),
		report:   &BuildReport{},
		contexts: make(map[string]*node.BuildContext),
		waiting:  make(map[string]bool),
		failed:   make(map[string]bool),
		done:     make(map[string]bool),
		rebuilds: make(map[string]int),
	}

	m.pool.Start(ctx)
	defer m.pool.Stop()

	for {
		if err := ctx.Err(); err != nil && r.fatal == nil {
			r.fatal = errkind.Wrap(errkind.ErrCancelled, err, "build interrupted")
			r.halted = true
			m.pool.Cancel("build interrupted")
		}

		progressed := m.scheduleTails(ctx, r)
		if len(r.waiting) == 0 {
			if progressed {
				continue
			}
			break
		}

		for _, res := range m.pool.FinishedTasks(!progressed) {
			m.handleResult(ctx, r, res)
		}
	}

	for _, name := range m.order {
		if !r.done[name] && !r.failed[name] {
			r.report.Skipped = append(r.report.Skipped, m.nodes[name].TraceName(true))
		}
	}
	logger.Info("Build finished.",
		"built", len(r.report.Built), "actual", len(r.report.Actual),
		"failed", len(r.report.Failed), "skipped", len(r.report.Skipped))

	if r.fatal != nil {
		return r.report, r.fatal
	}
	return r.report, r.report.Err()
}

// scheduleTails handles every ready node once. It reports whether anything
// changed so the caller knows whether to block on the pool.
func (m *BuildManager) scheduleTails(ctx context.Context, r *run) bool {
	if r.halted {
		return false
	}
	progressed := false
	for _, name := range r.graph.Tails() {
		if r.waiting[name] || r.failed[name] {
			continue
		}
		n := m.nodes[name]

		if n.IsAggregate() {
			n.CollectSubTargets()
			m.markDone(r, name)
			progressed = true
			continue
		}

		trace := n.TraceName(true)
		if r.rebuilds[name] == 0 {
			actual, err := n.IsActual(m.store)
			if err != nil {
				m.fatal(r, fmt.Errorf("checking %s: %w", trace, err))
				return true
			}
			if actual {
				if err := m.claimTargets(name, n.Targets()); err != nil {
					m.fatal(r, err)
					return true
				}
				m.sink.Emit(events.NodeActual{Node: trace})
				r.report.Actual = append(r.report.Actual, trace)
				m.markDone(r, name)
				progressed = true
				continue
			}
			m.sink.Emit(events.NodeOutdated{Node: trace})
		}

		if err := m.enqueue(r, name, n); err != nil {
			if !errors.Is(err, executor.ErrHalted) {
				m.fatal(r, fmt.Errorf("scheduling %s: %w", trace, err))
				return true
			}
			r.halted = true
			ctxlog.FromContext(ctx).Debug("Task rejected.", "node", trace, "error", err)
			return true
		}
		progressed = true
	}
	return progressed
}

func (m *BuildManager) enqueue(r *run, name string, n *node.Node) error {
	bc := node.NewBuildContext(n, m.opts.Variables, m.sink)
	trace := n.TraceName(true)
	err := m.pool.AddTask(name, func(ctx context.Context) (any, error) {
		m.sink.Emit(events.NodeBuilding{Node: trace})
		status, err := invoke(ctx, n.Builder(), bc)
		return outcome{status: status}, err
	})
	if err != nil {
		return err
	}
	r.contexts[name] = bc
	r.waiting[name] = true
	return nil
}

func invoke(ctx context.Context, b node.Builder, bc *node.BuildContext) (node.Status, error) {
	if bb, ok := b.(node.BatchBuilder); ok && len(bc.Sources) > 1 {
		return bb.BuildBatch(ctx, bc)
	}
	return b.Build(ctx, bc)
}

func (m *BuildManager) handleResult(ctx context.Context, r *run, res executor.Result) {
	name, _ := res.Group.(string)
	n := m.nodes[name]
	bc := r.contexts[name]
	delete(r.waiting, name)
	delete(r.contexts, name)

	// Errors of tasks running while the build is interrupted are cancellations.
	if errors.Is(res.Err, errkind.ErrCancelled) || (res.Err != nil && ctx.Err() != nil) {
		ctxlog.FromContext(ctx).Debug("Task cancelled.", "node", n.TraceName(true))
		return
	}
	r.report.Invocations++
	if res.Err != nil {
		m.failNode(r, name, m.builderError(n, res.Err), bc)
		return
	}

	out, _ := res.Value.(outcome)
	if out.status == node.StatusRebuild {
		m.handleRebuild(ctx, r, name, n, bc)
		return
	}

	targets, side, ideps, _ := bc.Result()
	if err := m.claimTargets(name, targets); err != nil {
		m.failNode(r, name, err, bc)
		m.fatal(r, err)
		return
	}
	n.SetResult(targets, side, ideps)
	if err := n.Save(m.store); err != nil {
		m.fatal(r, err)
		return
	}
	trace := n.TraceName(true)
	m.sink.Emit(events.NodeBuilt{Node: trace, Output: bc.Output()})
	r.report.Built = append(r.report.Built, trace)
	m.markDone(r, name)
}

// handleRebuild adds the prerequisites a builder discovered and leaves the
// node in the graph so it runs again once they succeed.
func (m *BuildManager) handleRebuild(ctx context.Context, r *run, name string, n *node.Node, bc *node.BuildContext) {
	trace := n.TraceName(true)
	added := bc.AddedDeps()
	if len(added) == 0 {
		m.failNode(r, name, errkind.New(errkind.ErrBuilderFailed, "%s asked for a rebuild without adding prerequisites", trace), bc)
		return
	}
	r.rebuilds[name]++
	if r.rebuilds[name] > m.opts.MaxRebuilds {
		m.failNode(r, name, errkind.New(errkind.ErrRebuildLoop, "%s asked for more than %d rebuilds", trace, m.opts.MaxRebuilds), bc)
		return
	}

	from := len(m.order)
	addedNames := make([]string, 0, len(added))
	canonical := make([]*node.Node, 0, len(added))
	for _, d := range added {
		dn, err := m.add(d, nil)
		if err != nil {
			m.fatal(r, err)
			return
		}
		if err := m.graph.AddEdge(dn, name); err != nil {
			m.fatal(r, err)
			return
		}
		m.preds[name] = append(m.preds[name], dn)
		if d != m.nodes[dn] && r.done[dn] {
			d.AdoptResult(m.nodes[dn])
		}
		canonical = append(canonical, m.nodes[dn])
		addedNames = append(addedNames, m.nodes[dn].TraceName(true))
	}
	n.AddDiscovered(canonical...)

	for _, fresh := range m.order[from:] {
		m.nodes[fresh].Refresh()
	}
	m.extendRunGraph(r.graph, from)
	for _, d := range added {
		_ = r.graph.AddEdge(m.seen[d], name)
	}

	ctxlog.FromContext(ctx).Debug("Node requested a rebuild.", "node", trace, "added", addedNames, "attempt", r.rebuilds[name])
	m.sink.Emit(events.NodeRebuild{Node: trace, Added: addedNames})
}

// claimTargets records name as the producer of targets. A target already
// produced or predicted by another node is a conflict.
func (m *BuildManager) claimTargets(name string, targets []entity.Entity) error {
	for _, t := range targets {
		tn := t.Name()
		if owner, ok := m.targets[tn]; ok && owner != name {
			return errkind.New(errkind.ErrDuplicateTargets,
				"%s is a target of both %s and %s", tn, m.nodes[owner].TraceName(true), m.nodes[name].TraceName(true))
		}
	}
	for _, t := range targets {
		m.targets[t.Name()] = name
	}
	return nil
}

func (m *BuildManager) markDone(r *run, name string) {
	r.done[name] = true
	if err := m.complete(r.graph, name); err != nil {
		m.fatal(r, err)
	}
}

func (m *BuildManager) failNode(r *run, name string, err error, bc *node.BuildContext) {
	n := m.nodes[name]
	trace := n.TraceName(true)
	r.failed[name] = true
	f := Failure{Node: trace, Err: err}
	if bc != nil {
		if cmds := bc.Commands(); len(cmds) > 0 {
			last := cmds[len(cmds)-1]
			f.Command = builder.CommandLine(last.Argv)
			f.Stdout = last.Stdout
			f.Stderr = last.Stderr
		}
	}
	r.report.Failed = append(r.report.Failed, f)
	m.sink.Emit(events.NodeFailed{Node: trace, Err: err})
	if m.opts.StopOnFail {
		r.halted = true
	}
}

func (m *BuildManager) fatal(r *run, err error) {
	if r.fatal == nil {
		r.fatal = err
	}
	r.halted = true
	m.sink.Emit(events.Log{Lvl: events.LevelCritical, Text: err.Error()})
}

func (m *BuildManager) builderError(n *node.Node, err error) error {
	if errors.Is(err, errkind.ErrBuilderFailed) {
		return err
	}
	return errkind.Wrap(errkind.ErrBuilderFailed, err, "%s", n.TraceName(false))
}
