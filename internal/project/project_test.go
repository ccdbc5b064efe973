package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/aqlbuild/internal/builtins"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/errkind"
	"github.com/zclconf/go-cty/cty"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const sample = `
option "out" {
  default = "build"
}

node "headers" {
  builder = "copy_files"
  find {
    roots    = ["include"]
    patterns = ["*.h"]
  }
  dir    = "${option.out}/include"
  groups = 2
}

node "version" {
  builder = "write_file"
  path    = "${option.out}/VERSION"
  content = upper("v1")
}

node "bundle" {
  builder    = "command"
  argv       = ["tar", "cf", "{targets}", "{sources}"]
  targets    = ["${option.out}/bundle.tar"]
  inputs     = ["headers"]
  depends_on = ["version"]
}
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "include", "a.h"), "a")
	writeFile(t, filepath.Join(dir, "include", "sub", "b.h"), "b")
	writeFile(t, filepath.Join(dir, "include", "notes.txt"), "skip")
	writeFile(t, filepath.Join(dir, "project.hcl"), sample)

	p, err := Load(context.Background(), nil, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"headers", "version", "bundle"}, p.Aliases())
	assert.Equal(t, []string{filepath.Join(dir, "project.hcl")}, p.Files)
	assert.Equal(t, cty.StringVal("build"), p.Options["out"])

	headers, ok := p.Node("headers")
	require.True(t, ok)
	want := []string{filepath.Join(dir, "include", "a.h"), filepath.Join(dir, "include", "sub", "b.h")}
	if diff := cmp.Diff(want, entity.Names(headers.DeclaredSources())); diff != "" {
		t.Errorf("headers sources mismatch (-want +got):\n%s", diff)
	}
	cf, ok := headers.Builder().(*builtins.CopyFiles)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "build", "include"), cf.Dir)
	assert.Equal(t, 2, cf.Groups)
	assert.Equal(t, dir, headers.Cwd())

	version, _ := p.Node("version")
	wf := version.Builder().(*builtins.WriteFile)
	assert.Equal(t, "V1", wf.Content)

	bundle, _ := p.Node("bundle")
	require.Len(t, bundle.SourceNodes(), 1)
	assert.Same(t, headers, bundle.SourceNodes()[0])
	require.Len(t, bundle.DepNodes(), 1)
	assert.Same(t, version, bundle.DepNodes()[0])
}

func TestLoadOptionOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.hcl"), sample)
	writeFile(t, filepath.Join(dir, "include", "a.h"), "a")

	p, err := Load(context.Background(), map[string]cty.Value{"out": cty.StringVal("dist")}, filepath.Join(dir, "project.hcl"))
	require.NoError(t, err)
	version, _ := p.Node("version")
	assert.Equal(t, filepath.Join(dir, "dist", "VERSION"), version.Builder().(*builtins.WriteFile).Path)
}

func TestSelect(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "project.hcl"), sample)
	writeFile(t, filepath.Join(dir, "include", "a.h"), "a")
	p, err := Load(context.Background(), nil, dir)
	require.NoError(t, err)

	all, err := p.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := p.Select([]string{"version"})
	require.NoError(t, err)
	require.Len(t, some, 1)

	_, err = p.Select([]string{"nope"})
	assert.ErrorContains(t, err, `unknown target "nope"`)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		kind    error
	}{
		{
			name:    "unknown builder",
			content: `node "a" { builder = "link" }`,
			want:    `unknown builder "link"`,
		},
		{
			name:    "unknown reference",
			content: `
node "a" {
  builder    = "write_file"
  path       = "x"
  depends_on = ["ghost"]
}`,
			want:    `references unknown node "ghost"`,
		},
		{
			name: "reference cycle",
			content: `
node "a" {
  builder    = "write_file"
  path       = "a"
  depends_on = ["b"]
}
node "b" {
  builder = "write_file"
  path    = "b"
  inputs  = ["a"]
}`,
			kind: errkind.ErrCyclicDependency,
		},
		{
			name: "duplicate alias",
			content: `
node "a" {
  builder = "write_file"
  path    = "a"
}
node "a" {
  builder = "write_file"
  path    = "b"
}`,
			want: `node "a" already declared`,
		},
		{
			name:    "undefined option",
			content: `
node "a" {
  builder = "write_file"
  path    = option.missing
}`,
			want:    `node "a"`,
		},
		{
			name:    "syntax error",
			content: `node "a" {`,
			want:    "failed to parse HCL file",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "project.hcl"), tc.content)
			_, err := Load(context.Background(), nil, dir)
			require.Error(t, err)
			if tc.want != "" {
				assert.ErrorContains(t, err, tc.want)
			}
			if tc.kind != nil {
				assert.ErrorIs(t, err, tc.kind)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.hcl"), "")
	writeFile(t, filepath.Join(dir, "sub", "a.hcl"), "")
	writeFile(t, filepath.Join(dir, ".hidden", "c.hcl"), "")
	writeFile(t, filepath.Join(dir, "readme.md"), "")

	files, err := ResolvePath(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.hcl"), filepath.Join(dir, "sub", "a.hcl")}, files)

	_, err = ResolvePath(context.Background(), filepath.Join(dir, "readme.md"))
	assert.ErrorContains(t, err, "not an .hcl file")

	_, err = ResolvePath(context.Background(), filepath.Join(dir, "missing"))
	assert.ErrorContains(t, err, "project path not found")
}
