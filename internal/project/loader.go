package project

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/aqlbuild/internal/builtins"
	"github.com/vk/aqlbuild/internal/ctxlog"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/errkind"
	"github.com/vk/aqlbuild/internal/fsutil"
	"github.com/vk/aqlbuild/internal/node"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// fileRoot is a struct used to decode all top-level blocks from any file.
// Node bodies are kept undecoded until every option default is known.
type fileRoot struct {
	Options []*optionBlock `hcl:"option,block"`
	Nodes   []*nodeBlock   `hcl:"node,block"`
}

type optionBlock struct {
	Name    string    `hcl:"name,label"`
	Default cty.Value `hcl:"default,optional"`
}

type nodeBlock struct {
	Alias  string   `hcl:"alias,label"`
	Config hcl.Body `hcl:",remain"`
}

// nodeSpec is the common part of a node block.
type nodeSpec struct {
	Builder   string       `hcl:"builder"`
	Sources   []string     `hcl:"sources,optional"`
	Find      []*findBlock `hcl:"find,block"`
	Inputs    []string     `hcl:"inputs,optional"`
	DependsOn []string     `hcl:"depends_on,optional"`
	Cwd       string       `hcl:"cwd,optional"`
	Args      hcl.Body     `hcl:",remain"`
}

type findBlock struct {
	Roots    []string `hcl:"roots"`
	Patterns []string `hcl:"patterns,optional"`
}

// declared is a decoded node block waiting to be turned into a node.
type declared struct {
	alias string
	dir   string
	spec  nodeSpec
	args  builtins.Args
	rng   hcl.Range
}

// Project is a loaded set of nodes addressable by alias.
type Project struct {
	// Options is the merged option map the nodes were evaluated with.
	Options map[string]cty.Value
	// Files lists the project files in load order.
	Files []string

	nodes map[string]*node.Node
	order []string
}

// Aliases returns the node aliases in declaration order.
func (p *Project) Aliases() []string { return p.order }

// Node returns the node declared as alias.
func (p *Project) Node(alias string) (*node.Node, bool) {
	n, ok := p.nodes[alias]
	return n, ok
}

// Select returns the nodes named by targets, or every node when targets is
// empty. Prerequisites are pulled in by the build manager.
func (p *Project) Select(targets []string) ([]*node.Node, error) {
	if len(targets) == 0 {
		out := make([]*node.Node, len(p.order))
		for i, alias := range p.order {
			out[i] = p.nodes[alias]
		}
		return out, nil
	}
	out := make([]*node.Node, 0, len(targets))
	for _, t := range targets {
		n, ok := p.nodes[t]
		if !ok {
			known := append([]string(nil), p.order...)
			sort.Strings(known)
			return nil, fmt.Errorf("unknown target %q (known: %v)", t, known)
		}
		out = append(out, n)
	}
	return out, nil
}

// Load parses every project file found under paths. options overrides the
// defaults declared in option blocks.
func Load(ctx context.Context, options map[string]cty.Value, paths ...string) (*Project, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Project loader started.", "path_count", len(paths))

	var files []string
	for _, path := range paths {
		found, err := ResolvePath(ctx, path)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		logger.Warn("No .hcl files found at the specified paths.", "paths", paths)
	}

	parser := hclparse.NewParser()
	defaults := map[string]cty.Value{}
	type pending struct {
		block *nodeBlock
		dir   string
	}
	var blocks []pending
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		for _, o := range root.Options {
			if _, dup := defaults[o.Name]; dup {
				return nil, fmt.Errorf("%s: option %q declared twice", file, o.Name)
			}
			v := o.Default
			if v == cty.NilVal {
				v = cty.NullVal(cty.DynamicPseudoType)
			}
			defaults[o.Name] = v
		}
		for _, nb := range root.Nodes {
			blocks = append(blocks, pending{block: nb, dir: filepath.Dir(file)})
		}
	}

	merged := make(map[string]cty.Value, len(defaults)+len(options))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range options {
		merged[k] = v
	}
	evalCtx := newEvalContext(merged)

	decls := make(map[string]*declared, len(blocks))
	p := &Project{Options: merged, Files: files, nodes: make(map[string]*node.Node)}
	for _, b := range blocks {
		d, err := decodeNode(b.block, b.dir, evalCtx)
		if err != nil {
			return nil, err
		}
		if prev, dup := decls[d.alias]; dup {
			return nil, fmt.Errorf("%s: node %q already declared at %s", d.rng, d.alias, prev.rng)
		}
		decls[d.alias] = d
		p.order = append(p.order, d.alias)
	}

	for _, alias := range p.order {
		if _, err := p.instantiate(decls, alias, nil); err != nil {
			return nil, err
		}
	}
	logger.Debug("Project loading complete.", "files", len(files), "nodes", len(p.order))
	return p, nil
}

func newEvalContext(options map[string]cty.Value) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"option": cty.ObjectVal(options)},
		Functions: map[string]function.Function{
			"concat": stdlib.ConcatFunc,
			"format": stdlib.FormatFunc,
			"join":   stdlib.JoinFunc,
			"lower":  stdlib.LowerFunc,
			"split":  stdlib.SplitFunc,
			"upper":  stdlib.UpperFunc,
		},
	}
}

func decodeNode(nb *nodeBlock, dir string, evalCtx *hcl.EvalContext) (*declared, error) {
	d := &declared{alias: nb.Alias, dir: dir, rng: nb.Config.MissingItemRange()}
	if diags := gohcl.DecodeBody(nb.Config, evalCtx, &d.spec); diags.HasErrors() {
		return nil, fmt.Errorf("node %q: %w", nb.Alias, diags)
	}
	attrs, diags := d.spec.Args.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("node %q: %w", nb.Alias, diags)
	}
	d.args = make(builtins.Args, len(attrs))
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("node %q: %w", nb.Alias, diags)
		}
		d.args[name] = v
	}
	if d.spec.Cwd != "" {
		d.dir = fsutil.AbsPath(d.spec.Cwd, dir)
	}
	return d, nil
}

// instantiate creates the node for alias after the nodes it refers to.
// chain holds the aliases being instantiated to report reference cycles.
func (p *Project) instantiate(decls map[string]*declared, alias string, chain []string) (*node.Node, error) {
	if n, ok := p.nodes[alias]; ok {
		return n, nil
	}
	for _, c := range chain {
		if c == alias {
			return nil, errkind.New(errkind.ErrCyclicDependency, "node references form a cycle: %v", append(chain, alias))
		}
	}
	d, ok := decls[alias]
	if !ok {
		return nil, fmt.Errorf("node %q references unknown node %q", chain[len(chain)-1], alias)
	}
	chain = append(chain, alias)

	b, err := builtins.New(d.spec.Builder, d.args, d.dir)
	if err != nil {
		return nil, fmt.Errorf("%s: node %q: %w", d.rng, alias, err)
	}

	var sources []entity.Entity
	for _, s := range d.spec.Sources {
		sources = append(sources, entity.NewFileChecksum(fsutil.AbsPath(s, d.dir)))
	}
	for _, f := range d.spec.Find {
		found, err := fsutil.FindFiles(fsutil.AbsPaths(f.Roots, d.dir), f.Patterns)
		if err != nil {
			return nil, fmt.Errorf("%s: node %q: %w", d.rng, alias, err)
		}
		for _, path := range found {
			sources = append(sources, entity.NewFileChecksum(path))
		}
	}

	n := node.New(b, sources...).SetCwd(d.dir)
	for _, in := range d.spec.Inputs {
		src, err := p.instantiate(decls, in, chain)
		if err != nil {
			return nil, err
		}
		n.AddSourceNodes(src)
	}
	for _, dep := range d.spec.DependsOn {
		dn, err := p.instantiate(decls, dep, chain)
		if err != nil {
			return nil, err
		}
		n.DependsOnNodes(dn)
	}
	p.nodes[alias] = n
	return n, nil
}
