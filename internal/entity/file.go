package entity

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"

	"github.com/vk/aqlbuild/internal/fsutil"
)

// fileEntity is shared by every variant backed by a path. The signature is
// computed on first access and memoized; a stored entity carries the
// signature it was saved with instead.
type fileEntity struct {
	base
	kind   Kind
	path   string
	offset int64
	length int64

	once sync.Once
	sig  []byte
}

func newFileEntity(kind Kind, path string, tags []string) *fileEntity {
	path = fsutil.AbsPath(path, "")
	return &fileEntity{kind: kind, path: path, base: base{name: path, tags: normTags(tags)}}
}

func (e *fileEntity) withSignature(sig []byte) *fileEntity {
	e.once.Do(func() { e.sig = slices.Clone(sig) })
	return e
}

// Path returns the absolute path of the backing file.
func (e *fileEntity) Path() string { return e.path }

func (e *fileEntity) Kind() Kind { return e.kind }

func (e *fileEntity) Signature() []byte {
	e.once.Do(func() { e.sig = e.compute() })
	return slices.Clone(e.sig)
}

func (e *fileEntity) compute() []byte {
	switch e.kind {
	case KindFileTimestamp, KindDir:
		return fileSignatures.timestamp(e.path)
	case KindFilePartChecksum:
		return fileSignatures.part(e.path, e.offset, e.length)
	default:
		return fileSignatures.checksum(e.path)
	}
}

func (e *fileEntity) IsActual() bool {
	sig := e.Signature()
	if len(sig) == 0 {
		return false
	}
	return bytes.Equal(sig, e.compute())
}

func (e *fileEntity) Refresh() Entity {
	fresh := &fileEntity{
		base:   base{name: e.name, tags: e.tags},
		kind:   e.kind,
		path:   e.path,
		offset: e.offset,
		length: e.length,
	}
	return fresh.wrap()
}

func (e *fileEntity) Remove() error {
	defer ForgetFile(e.path)
	var err error
	if e.kind == KindDir {
		err = os.Remove(e.path)
	} else {
		var info fs.FileInfo
		info, err = os.Lstat(e.path)
		if err == nil && info.IsDir() {
			return nil
		}
		if err == nil {
			err = os.Remove(e.path)
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", e.path, err)
	}
	return nil
}

func (e *fileEntity) Identity() []byte { return Identity(e.kind, e.name) }

func (e *fileEntity) Payload() []byte {
	return mustEncode(payload{Sig: e.Signature(), Tags: e.tags, Offset: e.offset, Length: e.length})
}

// wrap returns the exported variant type for e.
func (e *fileEntity) wrap() Entity {
	switch e.kind {
	case KindFileTimestamp:
		return &FileTimestamp{e}
	case KindFilePartChecksum:
		return &FilePartChecksum{e}
	case KindDir:
		return &Dir{e}
	default:
		return &FileChecksum{e}
	}
}

// FileChecksum is a file whose signature is the 128-bit hash of its content.
// A path naming a directory degrades to a timestamp signature.
type FileChecksum struct{ *fileEntity }

// NewFileChecksum returns a content-hashed file entity.
func NewFileChecksum(path string, tags ...string) *FileChecksum {
	return &FileChecksum{newFileEntity(KindFileChecksum, path, tags)}
}

// FileTimestamp is a file whose signature is its size and modification time.
type FileTimestamp struct{ *fileEntity }

// NewFileTimestamp returns a timestamp-signed file entity.
func NewFileTimestamp(path string, tags ...string) *FileTimestamp {
	return &FileTimestamp{newFileEntity(KindFileTimestamp, path, tags)}
}

// FilePartChecksum hashes the byte range [offset, offset+length) of a file.
type FilePartChecksum struct{ *fileEntity }

// NewFilePartChecksum returns an entity over a byte range of path. The range
// is part of the entity name.
func NewFilePartChecksum(path string, offset, length int64, tags ...string) *FilePartChecksum {
	e := newFileEntity(KindFilePartChecksum, path, tags)
	e.offset, e.length = offset, length
	e.name = partName(e.path, offset, length)
	return &FilePartChecksum{e}
}

// Range returns the offset and length covered by the entity.
func (e *FilePartChecksum) Range() (offset, length int64) { return e.offset, e.length }

func partName(path string, offset, length int64) string {
	return fmt.Sprintf("%s@%d:%d", path, offset, length)
}

// Dir is a directory whose signature is its modification time.
type Dir struct{ *fileEntity }

// NewDir returns a directory entity.
func NewDir(path string, tags ...string) *Dir {
	return &Dir{newFileEntity(KindDir, path, tags)}
}

// Path returns the filesystem path behind e, or "" for entities that are not
// backed by a path.
func Path(e Entity) string {
	if p, ok := e.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}
