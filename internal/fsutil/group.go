package fsutil

import (
	"path/filepath"
	"sort"
)

// GroupPaths partitions paths into roughly equal groups. Within a group every
// base name is unique, which lets tools that name their outputs after the
// source base name (foo.c -> foo.o) process a whole group in one directory.
//
// At least wishGroups groups are produced when there are enough paths.
// maxGroupSize caps the group size; zero or a negative value means no cap.
// The result is deterministic for a given input set.
func GroupPaths(paths []string, wishGroups, maxGroupSize int) [][]string {
	if len(paths) == 0 {
		return nil
	}
	if wishGroups < 1 {
		wishGroups = 1
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	byName := make(map[string]int)
	maxDup := 0
	for _, p := range sorted {
		byName[filepath.Base(p)]++
		if n := byName[filepath.Base(p)]; n > maxDup {
			maxDup = n
		}
	}

	numGroups := wishGroups
	if numGroups > len(sorted) {
		numGroups = len(sorted)
	}
	if maxGroupSize > 0 {
		if need := (len(sorted) + maxGroupSize - 1) / maxGroupSize; need > numGroups {
			numGroups = need
		}
	}
	if maxDup > numGroups {
		numGroups = maxDup
	}

	type group struct {
		paths []string
		names map[string]struct{}
	}
	groups := make([]*group, numGroups)
	for i := range groups {
		groups[i] = &group{names: make(map[string]struct{})}
	}

	// Paths sharing a base name are placed first so they get spread before the
	// groups fill up.
	order := make([]string, len(sorted))
	copy(order, sorted)
	sort.SliceStable(order, func(i, j int) bool {
		return byName[filepath.Base(order[i])] > byName[filepath.Base(order[j])]
	})

	for _, p := range order {
		name := filepath.Base(p)
		var best *group
		for _, g := range groups {
			if _, dup := g.names[name]; dup {
				continue
			}
			if maxGroupSize > 0 && len(g.paths) >= maxGroupSize {
				continue
			}
			if best == nil || len(g.paths) < len(best.paths) {
				best = g
			}
		}
		if best == nil {
			best = &group{names: make(map[string]struct{})}
			groups = append(groups, best)
		}
		best.paths = append(best.paths, p)
		best.names[name] = struct{}{}
	}

	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		if len(g.paths) == 0 {
			continue
		}
		sort.Strings(g.paths)
		out = append(out, g.paths)
	}
	return out
}
