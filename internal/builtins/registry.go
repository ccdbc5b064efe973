package builtins

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/vk/aqlbuild/internal/node"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Args are the builder attributes of a project node, already evaluated.
type Args map[string]cty.Value

// Factory creates a builder from its attributes. dir is the directory of
// the project file; relative paths resolve against it.
type Factory func(args Args, dir string) (node.Builder, error)

var factories = map[string]Factory{
	"copy_file":  newCopyFileFromArgs,
	"copy_files": newCopyFilesFromArgs,
	"write_file": newWriteFileFromArgs,
	"command":    newCommandFromArgs,
}

// New creates the builder registered as kind.
func New(kind string, args Args, dir string) (node.Builder, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown builder %q", kind)
	}
	b, err := f(args, dir)
	if err != nil {
		return nil, fmt.Errorf("builder %q: %w", kind, err)
	}
	return b, nil
}

// Kinds lists the registered builder names.
func Kinds() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// get decodes the attribute name into target, a pointer. Missing or null
// attributes leave target untouched unless required is set.
func (a Args) get(name string, target any, required bool) error {
	v, ok := a[name]
	if !ok || v.IsNull() {
		if required {
			return fmt.Errorf("missing required attribute %q", name)
		}
		return nil
	}
	ty, err := gocty.ImpliedType(reflect.ValueOf(target).Elem().Interface())
	if err != nil {
		return fmt.Errorf("attribute %q: %w", name, err)
	}
	if v, err = convert.Convert(v, ty); err != nil {
		return fmt.Errorf("attribute %q: %w", name, err)
	}
	if err := gocty.FromCtyValue(v, target); err != nil {
		return fmt.Errorf("attribute %q: %w", name, err)
	}
	return nil
}

// check rejects attributes the builder does not know.
func (a Args) check(known ...string) error {
	for name := range a {
		found := false
		for _, k := range known {
			if k == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported attribute %q", name)
		}
	}
	return nil
}
