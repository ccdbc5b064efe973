// Package dag keeps the dependency adjacency of the build graph. Vertices are
// addressed by string IDs and stored in a flat slice; edges are indices into
// that slice. Every AddEdge is checked against the existing edges so the
// graph stays acyclic at all times.
package dag
