package fsutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsPath(t *testing.T) {
	assert.Equal(t, "/a/b", AbsPath("/a/x/../b", ""))
	assert.Equal(t, "/base/dir/f.c", AbsPath("dir/f.c", "/base"))
	assert.Equal(t, "", AbsPath("", "/base"))
}

func TestFindFiles(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{
		"a.c", "b.h", "sub/c.c", "sub/deep/d.c", ".git/e.c", "sub/.cache/f.c",
	} {
		writeFile(t, filepath.Join(root, p), []byte(p))
	}

	t.Run("pattern filter skips dot dirs", func(t *testing.T) {
		files, err := FindFiles([]string{root}, []string{"*.c"})
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(root, "a.c"),
			filepath.Join(root, "sub/c.c"),
			filepath.Join(root, "sub/deep/d.c"),
		}, files)
	})

	t.Run("no patterns matches everything", func(t *testing.T) {
		files, err := FindFiles([]string{root}, nil)
		require.NoError(t, err)
		assert.Len(t, files, 4)
	})

	t.Run("overlapping roots are de-duplicated", func(t *testing.T) {
		files, err := FindFiles([]string{root, filepath.Join(root, "sub")}, []string{"*.c"})
		require.NoError(t, err)
		assert.Len(t, files, 3)
	})

	t.Run("file root", func(t *testing.T) {
		files, err := FindFiles([]string{filepath.Join(root, "b.h")}, []string{"*.h"})
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(root, "b.h")}, files)
	})

	t.Run("bad pattern", func(t *testing.T) {
		_, err := FindFiles([]string{root}, []string{"["})
		assert.ErrorContains(t, err, "invalid pattern")
	})

	t.Run("extension helper", func(t *testing.T) {
		files, err := FindFilesByExtension(root, ".h")
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(root, "b.h")}, files)
	})
}
