package builtins

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vk/aqlbuild/internal/builder"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/fsutil"
	"github.com/vk/aqlbuild/internal/node"
)

// CopyFile copies each source into Dir, one invocation per source.
type CopyFile struct {
	builder.Base
	Dir string
}

// NewCopyFile returns a CopyFile writing into dir.
func NewCopyFile(dir string) (*CopyFile, error) {
	dir = fsutil.AbsPath(dir, "")
	base, err := builder.NewBase("copy_file", map[string]any{"dir": dir}, map[string]any{"dir": dir})
	if err != nil {
		return nil, err
	}
	return &CopyFile{Base: base, Dir: dir}, nil
}

func newCopyFileFromArgs(args Args, dir string) (node.Builder, error) {
	if err := args.check("dir"); err != nil {
		return nil, err
	}
	var target string
	if err := args.get("dir", &target, true); err != nil {
		return nil, err
	}
	return NewCopyFile(fsutil.AbsPath(target, dir))
}

func (b *CopyFile) Policy() node.Policy { return node.PolicySingle }

func (b *CopyFile) Split(sources []entity.Entity) [][]entity.Entity {
	return node.SplitSingle(sources)
}

func (b *CopyFile) TargetEntities(sources []entity.Entity) []entity.Entity {
	return copyTargets(b.Dir, sources)
}

func (b *CopyFile) Build(ctx context.Context, bc *node.BuildContext) (node.Status, error) {
	targets, err := copyAll(ctx, b.Dir, bc.Sources)
	if err != nil {
		return node.StatusBuilt, err
	}
	return node.StatusBuilt, bc.SetTargets(targets, nil, nil)
}

// CopyFiles copies its sources into Dir in groups. Each group has unique
// base names; GroupSize caps the number of files per invocation.
type CopyFiles struct {
	builder.Base
	Dir       string
	Groups    int
	GroupSize int
}

// NewCopyFiles returns a CopyFiles writing into dir. groups is the wished
// number of parallel invocations.
func NewCopyFiles(dir string, groups, groupSize int) (*CopyFiles, error) {
	dir = fsutil.AbsPath(dir, "")
	base, err := builder.NewBase("copy_files", map[string]any{"dir": dir}, map[string]any{"dir": dir})
	if err != nil {
		return nil, err
	}
	return &CopyFiles{Base: base, Dir: dir, Groups: groups, GroupSize: groupSize}, nil
}

func newCopyFilesFromArgs(args Args, dir string) (node.Builder, error) {
	if err := args.check("dir", "groups", "group_size"); err != nil {
		return nil, err
	}
	var target string
	groups, size := 1, 0
	if err := args.get("dir", &target, true); err != nil {
		return nil, err
	}
	if err := args.get("groups", &groups, false); err != nil {
		return nil, err
	}
	if err := args.get("group_size", &size, false); err != nil {
		return nil, err
	}
	return NewCopyFiles(fsutil.AbsPath(target, dir), groups, size)
}

func (b *CopyFiles) Policy() node.Policy { return node.PolicySplitBatch }

// Split groups sources with fsutil.GroupPaths. Sources without a path stay
// in the first group.
func (b *CopyFiles) Split(sources []entity.Entity) [][]entity.Entity {
	byPath := make(map[string]entity.Entity, len(sources))
	paths := make([]string, 0, len(sources))
	var other []entity.Entity
	for _, s := range sources {
		p := entity.Path(s)
		if p == "" {
			other = append(other, s)
			continue
		}
		if _, dup := byPath[p]; !dup {
			byPath[p] = s
			paths = append(paths, p)
		}
	}
	var groups [][]entity.Entity
	for _, g := range fsutil.GroupPaths(paths, b.Groups, b.GroupSize) {
		group := make([]entity.Entity, len(g))
		for i, p := range g {
			group[i] = byPath[p]
		}
		groups = append(groups, group)
	}
	if len(other) > 0 {
		if len(groups) == 0 {
			groups = append(groups, nil)
		}
		groups[0] = append(groups[0], other...)
	}
	return groups
}

func (b *CopyFiles) TargetEntities(sources []entity.Entity) []entity.Entity {
	return copyTargets(b.Dir, sources)
}

func (b *CopyFiles) Build(ctx context.Context, bc *node.BuildContext) (node.Status, error) {
	return b.BuildBatch(ctx, bc)
}

func (b *CopyFiles) BuildBatch(ctx context.Context, bc *node.BuildContext) (node.Status, error) {
	targets, err := copyAll(ctx, b.Dir, bc.Sources)
	if err != nil {
		return node.StatusBuilt, err
	}
	return node.StatusBuilt, bc.SetTargets(targets, nil, nil)
}

func copyTargets(dir string, sources []entity.Entity) []entity.Entity {
	out := make([]entity.Entity, 0, len(sources))
	for _, s := range sources {
		if p := entity.Path(s); p != "" {
			out = append(out, entity.NewFileChecksum(filepath.Join(dir, filepath.Base(p))))
		}
	}
	return out
}

func copyAll(ctx context.Context, dir string, sources []entity.Entity) ([]entity.Entity, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	targets := make([]entity.Entity, 0, len(sources))
	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := entity.Path(s)
		if src == "" {
			return nil, fmt.Errorf("source %s is not a file", entity.String(s))
		}
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		targets = append(targets, entity.NewFileChecksum(dst))
	}
	return targets, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	entity.ForgetFile(dst)
	return nil
}
