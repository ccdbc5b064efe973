package fsutil

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestGroupPaths_SplitsDuplicateBaseNames(t *testing.T) {
	paths := []string{"/a/foo.c", "/b/foo.c", "/a/bar.c", "/c/baz.c"}

	groups := GroupPaths(paths, 1, 0)

	want := [][]string{
		{"/a/bar.c", "/a/foo.c"},
		{"/b/foo.c", "/c/baz.c"},
	}
	if diff := cmp.Diff(want, groups); diff != "" {
		t.Errorf("GroupPaths() mismatch (-want +got):\n%s", diff)
	}
}

func TestGroupPaths_WishAndMax(t *testing.T) {
	var paths []string
	for i := 0; i < 10; i++ {
		paths = append(paths, fmt.Sprintf("/src/f%d.c", i))
	}

	assert.Len(t, GroupPaths(paths, 3, 0), 3)
	assert.Len(t, GroupPaths(paths, 1, 4), 3)
	assert.Len(t, GroupPaths(paths, 20, 0), 10)
	assert.Nil(t, GroupPaths(nil, 2, 2))
}

func TestGroupPaths_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	toPaths := func(ids []int) []string {
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = fmt.Sprintf("/d%d/f%d.c", id%5, id%7)
		}
		return out
	}

	properties.Property("every path lands in exactly one group", prop.ForAll(
		func(ids []int, wish, max int) bool {
			paths := toPaths(ids)
			var flat []string
			for _, g := range GroupPaths(paths, wish, max) {
				flat = append(flat, g...)
			}
			sort.Strings(flat)
			sorted := append([]string(nil), paths...)
			sort.Strings(sorted)
			return cmp.Equal(sorted, flat, cmpopts.EquateEmpty())
		},
		gen.SliceOf(gen.IntRange(0, 40)), gen.IntRange(0, 6), gen.IntRange(0, 5),
	))

	properties.Property("base names are unique within a group and size is capped", prop.ForAll(
		func(ids []int, wish, max int) bool {
			for _, g := range GroupPaths(toPaths(ids), wish, max) {
				if max > 0 && len(g) > max {
					return false
				}
				seen := make(map[string]bool)
				for _, p := range g {
					if seen[filepath.Base(p)] {
						return false
					}
					seen[filepath.Base(p)] = true
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 40)), gen.IntRange(0, 6), gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
