package events

import (
	"context"
	"fmt"
	"log/slog"
)

// Log is a free-form diagnostic line.
type Log struct {
	Lvl  Level
	Text string
}

func (e Log) Level() Level    { return e.Lvl }
func (e Log) Message() string { return e.Text }

// NodeOutdated reports a node that must be rebuilt.
type NodeOutdated struct{ Node string }

// NodeActual reports a node whose recorded state matches the live one.
type NodeActual struct{ Node string }

// NodeBuilding reports a node handed to a worker.
type NodeBuilding struct{ Node string }

// NodeBuilt reports a successful build with the builder's captured output.
type NodeBuilt struct {
	Node   string
	Output string
}

// NodeFailed reports a failed node.
type NodeFailed struct {
	Node string
	Err  error
}

// NodeRebuild reports a node that added prerequisites and asked to run
// again.
type NodeRebuild struct {
	Node  string
	Added []string
}

func (e NodeOutdated) Level() Level { return LevelDebug }
func (e NodeActual) Level() Level   { return LevelDebug }
func (e NodeBuilding) Level() Level { return LevelInfo }
func (e NodeBuilt) Level() Level    { return LevelDebug }
func (e NodeFailed) Level() Level   { return LevelError }
func (e NodeRebuild) Level() Level  { return LevelInfo }

func (e NodeOutdated) Message() string { return "outdated: " + e.Node }
func (e NodeActual) Message() string   { return "actual: " + e.Node }
func (e NodeBuilding) Message() string { return e.Node }
func (e NodeBuilt) Message() string    { return "built: " + e.Node }
func (e NodeFailed) Message() string   { return fmt.Sprintf("failed: %s: %v", e.Node, e.Err) }

func (e NodeRebuild) Message() string {
	return fmt.Sprintf("rebuild: %s (+%d prerequisites)", e.Node, len(e.Added))
}

// SlogHandler returns a handler writing events to logger.
func SlogHandler(logger *slog.Logger) Handler {
	return func(ev Event) {
		attrs := []any{}
		switch e := ev.(type) {
		case NodeOutdated:
			attrs = append(attrs, "event", "node_outdated", "node", e.Node)
		case NodeActual:
			attrs = append(attrs, "event", "node_actual", "node", e.Node)
		case NodeBuilding:
			attrs = append(attrs, "event", "node_building", "node", e.Node)
		case NodeBuilt:
			attrs = append(attrs, "event", "node_built", "node", e.Node)
			if e.Output != "" {
				attrs = append(attrs, "output", e.Output)
			}
		case NodeFailed:
			attrs = append(attrs, "event", "node_failed", "node", e.Node, "error", e.Err)
		case NodeRebuild:
			attrs = append(attrs, "event", "node_rebuild", "node", e.Node, "added", e.Added)
		}
		logger.Log(context.Background(), ev.Level().SlogLevel(), ev.Message(), attrs...)
	}
}
