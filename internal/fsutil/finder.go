// Package fsutil provides file system utility functions: path normalization,
// file signatures, file discovery and grouping of paths for batch tools.
package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// AbsPath returns the cleaned absolute form of path. Relative paths are
// resolved against cwd, or against the process working directory when cwd is
// empty.
func AbsPath(path, cwd string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	if cwd == "" {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
		return filepath.Clean(path)
	}
	return filepath.Join(AbsPath(cwd, ""), path)
}

// AbsPaths applies AbsPath to every element.
func AbsPaths(paths []string, cwd string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = AbsPath(p, cwd)
	}
	return out
}

// WalkFiles recursively visits every regular file under root. Directories
// whose name starts with a dot are skipped, except root itself.
func WalkFiles(root string, fn func(path string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return fn(path)
	})
}

// FindFiles walks every root and returns the sorted, de-duplicated absolute
// paths of files whose base name matches at least one of patterns. An empty
// pattern list matches every file.
func FindFiles(roots []string, patterns []string) ([]string, error) {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}

	seen := make(map[string]struct{})
	var files []string
	for _, root := range roots {
		root = AbsPath(root, "")
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", root, err)
		}
		if !info.IsDir() {
			if matchAny(filepath.Base(root), patterns) {
				if _, ok := seen[root]; !ok {
					seen[root] = struct{}{}
					files = append(files, root)
				}
			}
			continue
		}
		err = WalkFiles(root, func(path string) error {
			if !matchAny(filepath.Base(path), patterns) {
				return nil
			}
			if _, ok := seen[path]; !ok {
				seen[path] = struct{}{}
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// FindFilesByExtension recursively searches the given root path for all files
// ending with the specified extension.
func FindFilesByExtension(rootPath string, extension string) ([]string, error) {
	if extension == "" {
		return nil, fmt.Errorf("extension must not be empty")
	}
	return FindFiles([]string{rootPath}, []string{"*" + extension})
}

func matchAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
