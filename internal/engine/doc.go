// Package engine is the build manager. It owns the node graph, the entities
// file and the worker pool, and drives a build as a work-list loop over the
// tails of the graph: actual nodes are skipped, outdated ones are handed to
// workers, and results are applied on the calling goroutine between task
// completions.
package engine
