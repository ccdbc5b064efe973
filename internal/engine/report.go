package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Failure describes one failed node.
type Failure struct {
	Node    string
	Err     error
	Command string
	Stdout  string
	Stderr  string
}

func (f Failure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", f.Node, f.Err)
	if f.Command != "" {
		fmt.Fprintf(&b, "\n  command: %s", f.Command)
	}
	if s := strings.TrimSpace(f.Stdout); s != "" {
		fmt.Fprintf(&b, "\n  stdout: %s", s)
	}
	if s := strings.TrimSpace(f.Stderr); s != "" {
		fmt.Fprintf(&b, "\n  stderr: %s", s)
	}
	return b.String()
}

// BuildReport summarizes a build by node trace name.
type BuildReport struct {
	Built   []string
	Actual  []string
	Failed  []Failure
	Skipped []string
	// Invocations counts builder runs, rebuild requests included.
	Invocations int
}

// Err joins the errors of every failed node.
func (r *BuildReport) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f.Err
	}
	return errors.Join(errs...)
}

// StatusReport lists nodes by actuality.
type StatusReport struct {
	Actual   []string
	Outdated []string
}

// UpToDate reports whether nothing needs building.
func (r *StatusReport) UpToDate() bool { return len(r.Outdated) == 0 }
