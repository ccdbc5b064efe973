package builtins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/aqlbuild/internal/builder"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/fsutil"
	"github.com/vk/aqlbuild/internal/node"
)

// WriteFile writes fixed content to Path. The content is part of the
// signature, the path is part of the name.
type WriteFile struct {
	builder.Base
	Path    string
	Content string
}

// NewWriteFile returns a WriteFile for path.
func NewWriteFile(path, content string) (*WriteFile, error) {
	path = fsutil.AbsPath(path, "")
	base, err := builder.NewBase("write_file",
		map[string]any{"path": path, "content": content},
		map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	return &WriteFile{Base: base, Path: path, Content: content}, nil
}

func newWriteFileFromArgs(args Args, dir string) (node.Builder, error) {
	if err := args.check("path", "content"); err != nil {
		return nil, err
	}
	var path, content string
	if err := args.get("path", &path, true); err != nil {
		return nil, err
	}
	if err := args.get("content", &content, false); err != nil {
		return nil, err
	}
	return NewWriteFile(fsutil.AbsPath(path, dir), content)
}

func (b *WriteFile) TargetEntities([]entity.Entity) []entity.Entity {
	return []entity.Entity{entity.NewFileChecksum(b.Path)}
}

func (b *WriteFile) TraceName([]entity.Entity, bool) string {
	return builder.TraceName(b.Tag, []string{b.Path}, true)
}

func (b *WriteFile) Build(_ context.Context, bc *node.BuildContext) (node.Status, error) {
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return node.StatusBuilt, fmt.Errorf("creating %s: %w", filepath.Dir(b.Path), err)
	}
	if err := os.WriteFile(b.Path, []byte(b.Content), 0o644); err != nil {
		return node.StatusBuilt, fmt.Errorf("writing %s: %w", b.Path, err)
	}
	entity.ForgetFile(b.Path)
	return node.StatusBuilt, bc.SetTargets([]entity.Entity{entity.NewFileChecksum(b.Path)}, nil, nil)
}
