package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/vk/aqlbuild/internal/ctxlog"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/events"
)

// Status walks the graph like Build but only checks actuality. Nodes fed by
// an outdated node are reported outdated without being checked. The state
// file is never written.
func (m *BuildManager) Status(ctx context.Context) (*StatusReport, error) {
	logger := ctxlog.FromContext(ctx)
	entity.ResetFileCache()
	m.refreshAll()

	g := m.runGraph()
	report := &StatusReport{}
	outdated := make(map[string]bool)

	for tails := g.Tails(); len(tails) > 0; tails = g.Tails() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		for _, name := range tails {
			n := m.nodes[name]
			stale := slices.ContainsFunc(m.preds[name], func(p string) bool { return outdated[p] })

			switch {
			case stale:
				outdated[name] = true
			case n.IsAggregate():
				n.CollectSubTargets()
			default:
				actual, err := n.IsActual(m.store)
				if err != nil {
					return report, fmt.Errorf("checking %s: %w", n.TraceName(true), err)
				}
				outdated[name] = !actual
			}

			if !n.IsAggregate() {
				trace := n.TraceName(true)
				if outdated[name] {
					m.sink.Emit(events.NodeOutdated{Node: trace})
					report.Outdated = append(report.Outdated, trace)
				} else {
					m.sink.Emit(events.NodeActual{Node: trace})
					report.Actual = append(report.Actual, trace)
				}
			}
			if err := m.complete(g, name); err != nil {
				return report, err
			}
		}
	}

	logger.Debug("Status finished.", "actual", len(report.Actual), "outdated", len(report.Outdated))
	return report, nil
}

// Clear removes the targets and records of every node, dependents before
// their dependencies. It returns the number of nodes cleared.
func (m *BuildManager) Clear(ctx context.Context) (int, error) {
	logger := ctxlog.FromContext(ctx)
	order := m.runGraph().TopoOrder()
	slices.Reverse(order)

	cleared := 0
	var errs []error
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}
		n := m.nodes[name]
		if n.IsAggregate() {
			continue
		}
		if err := n.Clear(m.store); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Debug("Node cleared.", "node", n.TraceName(true))
		cleared++
	}
	entity.ResetFileCache()
	return cleared, errors.Join(errs...)
}
