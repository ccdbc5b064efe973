// Package entity models anything that can be an input or an output of a
// build step: files, directories, byte ranges of files and in-memory values.
//
// An entity has a stable name, an opaque signature summarizing its content
// and an optional set of tags. Entities are immutable; Refresh returns a new
// instance re-read from the source of truth.
package entity

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
)

// Kind is the stable type tag of an entity variant. Tags are persisted and
// must never be renumbered.
type Kind uint8

const (
	KindNull Kind = iota + 1
	KindSimple
	KindSignature
	KindFileChecksum
	KindFileTimestamp
	KindFilePartChecksum
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindSimple:
		return "simple"
	case KindSignature:
		return "signature"
	case KindFileChecksum:
		return "file-checksum"
	case KindFileTimestamp:
		return "file-timestamp"
	case KindFilePartChecksum:
		return "file-part-checksum"
	case KindDir:
		return "dir"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entity is a referenceable input or output.
type Entity interface {
	Kind() Kind
	Name() string
	// Signature returns the content summary, or nil when the backing
	// artifact does not exist.
	Signature() []byte
	Tags() []string

	// IsActual reports whether the signature held by the entity equals the
	// one freshly computed from its source of truth.
	IsActual() bool
	// Refresh returns a new instance whose signature is re-read.
	Refresh() Entity
	// Remove deletes the backing artifact, if any. Missing artifacts are not
	// an error.
	Remove() error

	// Identity encodes kind and name; it is the store key.
	Identity() []byte
	// Payload encodes signature, tags and variant specific fields.
	Payload() []byte
}

// Identity builds the identity bytes for kind and name.
func Identity(kind Kind, name string) []byte {
	b := make([]byte, 1+len(name))
	b[0] = byte(kind)
	copy(b[1:], name)
	return b
}

// ParseIdentity splits identity bytes into kind and name.
func ParseIdentity(id []byte) (Kind, string, error) {
	if len(id) < 1 {
		return 0, "", fmt.Errorf("empty entity identity")
	}
	return Kind(id[0]), string(id[1:]), nil
}

// Identical reports whether a and b share variant and name.
func Identical(a, b Entity) bool {
	return a.Kind() == b.Kind() && a.Name() == b.Name()
}

// Equal reports whether a and b are identical and their signatures match.
func Equal(a, b Entity) bool {
	return Identical(a, b) && bytes.Equal(a.Signature(), b.Signature())
}

// String renders e for logs.
func String(e Entity) string {
	return fmt.Sprintf("%s(%s)", e.Kind(), e.Name())
}

// Names returns the names of entities in order.
func Names(entities []Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.Name()
	}
	return out
}

func normTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := slices.Clone(tags)
	sort.Strings(out)
	return slices.Compact(out)
}

type base struct {
	name string
	tags []string
}

func (b *base) Name() string   { return b.name }
func (b *base) Tags() []string { return slices.Clone(b.tags) }

// HasTag reports whether e carries tag.
func HasTag(e Entity, tag string) bool {
	return slices.Contains(e.Tags(), tag)
}
