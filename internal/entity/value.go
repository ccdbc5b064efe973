package entity

import (
	"encoding/hex"
	"slices"

	"github.com/vk/aqlbuild/internal/fsutil"
)

// Null is the "not present" sentinel. It is never actual.
type Null struct{ base }

// NewNull returns a Null entity called name.
func NewNull(name string) *Null {
	return &Null{base{name: name}}
}

func (e *Null) Kind() Kind        { return KindNull }
func (e *Null) Signature() []byte { return nil }
func (e *Null) IsActual() bool    { return false }
func (e *Null) Refresh() Entity   { return e }
func (e *Null) Remove() error     { return nil }
func (e *Null) Identity() []byte  { return Identity(KindNull, e.name) }
func (e *Null) Payload() []byte   { return mustEncode(payload{}) }

// Simple wraps an in-memory value. Its signature is the hash of the value
// bytes.
type Simple struct {
	base
	value []byte
	sig   []byte
}

// NewSimple returns a value entity. An empty name is replaced by the hex
// form of the value signature.
func NewSimple(name string, value []byte, tags ...string) *Simple {
	sig := fsutil.HashBytes(value)
	if name == "" {
		name = hex.EncodeToString(sig)
	}
	return &Simple{
		base:  base{name: name, tags: normTags(tags)},
		value: slices.Clone(value),
		sig:   sig,
	}
}

// Value returns a copy of the wrapped bytes.
func (e *Simple) Value() []byte { return slices.Clone(e.value) }

func (e *Simple) Kind() Kind        { return KindSimple }
func (e *Simple) Signature() []byte { return slices.Clone(e.sig) }
func (e *Simple) IsActual() bool    { return len(e.sig) > 0 }
func (e *Simple) Refresh() Entity   { return e }
func (e *Simple) Remove() error     { return nil }
func (e *Simple) Identity() []byte  { return Identity(KindSimple, e.name) }
func (e *Simple) Payload() []byte {
	return mustEncode(payload{Sig: e.sig, Tags: e.tags, Value: e.value})
}

// Signature carries raw signature bytes supplied by the caller.
type Signature struct {
	base
	sig []byte
}

// NewSignature returns a raw signature entity.
func NewSignature(name string, sig []byte, tags ...string) *Signature {
	return &Signature{base: base{name: name, tags: normTags(tags)}, sig: slices.Clone(sig)}
}

func (e *Signature) Kind() Kind        { return KindSignature }
func (e *Signature) Signature() []byte { return slices.Clone(e.sig) }
func (e *Signature) IsActual() bool    { return len(e.sig) > 0 }
func (e *Signature) Refresh() Entity   { return e }
func (e *Signature) Remove() error     { return nil }
func (e *Signature) Identity() []byte  { return Identity(KindSignature, e.name) }
func (e *Signature) Payload() []byte   { return mustEncode(payload{Sig: e.sig, Tags: e.tags}) }
