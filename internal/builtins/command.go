package builtins

import (
	"context"
	"strings"

	"github.com/vk/aqlbuild/internal/builder"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/fsutil"
	"github.com/vk/aqlbuild/internal/node"
)

const (
	sourcesPlaceholder = "{sources}"
	targetsPlaceholder = "{targets}"
)

// Command runs Argv once with every source. An argument equal to {sources}
// or {targets} expands to the source or target paths. Targets are relative
// to Dir, which is also the working directory.
type Command struct {
	builder.Base
	Argv    []string
	Targets []string
	Env     map[string]string
	Dir     string
}

// NewCommand returns a Command. Env takes part in the signature.
func NewCommand(argv, targets []string, env map[string]string, dir string) (*Command, error) {
	dir = fsutil.AbsPath(dir, "")
	abs := fsutil.AbsPaths(targets, dir)
	envAttr := make(map[string]any, len(env))
	for k, v := range env {
		envAttr[k] = v
	}
	base, err := builder.NewBase("command",
		map[string]any{"argv": argv, "targets": abs, "env": envAttr, "dir": dir},
		map[string]any{"targets": abs})
	if err != nil {
		return nil, err
	}
	return &Command{Base: base, Argv: argv, Targets: abs, Env: env, Dir: dir}, nil
}

func newCommandFromArgs(args Args, dir string) (node.Builder, error) {
	if err := args.check("argv", "targets", "env", "dir"); err != nil {
		return nil, err
	}
	var (
		argv, targets []string
		env           map[string]string
		wd            string
	)
	if err := args.get("argv", &argv, true); err != nil {
		return nil, err
	}
	if err := args.get("targets", &targets, false); err != nil {
		return nil, err
	}
	if err := args.get("env", &env, false); err != nil {
		return nil, err
	}
	if err := args.get("dir", &wd, false); err != nil {
		return nil, err
	}
	if wd == "" {
		wd = dir
	}
	return NewCommand(argv, targets, env, fsutil.AbsPath(wd, dir))
}

func (b *Command) TargetEntities([]entity.Entity) []entity.Entity {
	out := make([]entity.Entity, len(b.Targets))
	for i, t := range b.Targets {
		out[i] = entity.NewFileChecksum(t)
	}
	return out
}

func (b *Command) TraceName(sources []entity.Entity, brief bool) string {
	names := []string{strings.Join(b.Argv, " ")}
	if len(b.Targets) > 0 {
		names = b.Targets
	}
	return builder.TraceName(b.Tag, names, brief)
}

func (b *Command) Build(ctx context.Context, bc *node.BuildContext) (node.Status, error) {
	var sources []string
	for _, s := range bc.Sources {
		if p := entity.Path(s); p != "" {
			sources = append(sources, p)
		}
	}
	argv := make([]string, 0, len(b.Argv)+len(sources)+len(b.Targets))
	for _, a := range b.Argv {
		switch a {
		case sourcesPlaceholder:
			argv = append(argv, sources...)
		case targetsPlaceholder:
			argv = append(argv, b.Targets...)
		default:
			argv = append(argv, a)
		}
	}

	res, err := bc.RunCommand(ctx, argv, builder.CommandOptions{Env: b.Env, Dir: b.Dir})
	if err != nil {
		return node.StatusBuilt, err
	}
	if err := res.Err(); err != nil {
		return node.StatusBuilt, err
	}
	for _, t := range b.Targets {
		entity.ForgetFile(t)
	}
	return node.StatusBuilt, bc.SetTargets(b.TargetEntities(nil), nil, nil)
}
