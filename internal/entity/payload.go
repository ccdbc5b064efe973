package entity

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// payload is the persisted form of everything but the identity. Canonical
// CBOR keeps the encoding byte-stable for equal entities.
type payload struct {
	Sig    []byte   `cbor:"1,keyasint,omitempty"`
	Tags   []string `cbor:"2,keyasint,omitempty"`
	Value  []byte   `cbor:"3,keyasint,omitempty"`
	Offset int64    `cbor:"4,keyasint,omitempty"`
	Length int64    `cbor:"5,keyasint,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("entity: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

func mustEncode(p payload) []byte {
	b, err := cborEncMode.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("entity: encoding payload: %v", err))
	}
	return b
}

func decodePayload(data []byte) (payload, error) {
	var p payload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return payload{}, fmt.Errorf("decoding entity payload: %w", err)
	}
	return p, nil
}

// DecodeFunc rebuilds an entity from its name and payload bytes.
type DecodeFunc func(name string, data []byte) (Entity, error)

// Decoders returns the decoders of every built-in variant, keyed by kind.
func Decoders() map[Kind]DecodeFunc {
	return map[Kind]DecodeFunc{
		KindNull: func(name string, _ []byte) (Entity, error) {
			return NewNull(name), nil
		},
		KindSimple: func(name string, data []byte) (Entity, error) {
			p, err := decodePayload(data)
			if err != nil {
				return nil, err
			}
			e := NewSimple(name, p.Value, p.Tags...)
			e.sig = p.Sig
			return e, nil
		},
		KindSignature: func(name string, data []byte) (Entity, error) {
			p, err := decodePayload(data)
			if err != nil {
				return nil, err
			}
			return NewSignature(name, p.Sig, p.Tags...), nil
		},
		KindFileChecksum:     decodeFile(KindFileChecksum),
		KindFileTimestamp:    decodeFile(KindFileTimestamp),
		KindFilePartChecksum: decodeFile(KindFilePartChecksum),
		KindDir:              decodeFile(KindDir),
	}
}

func decodeFile(kind Kind) DecodeFunc {
	return func(name string, data []byte) (Entity, error) {
		p, err := decodePayload(data)
		if err != nil {
			return nil, err
		}
		path := name
		if kind == KindFilePartChecksum {
			suffix := fmt.Sprintf("@%d:%d", p.Offset, p.Length)
			if len(name) < len(suffix) || name[len(name)-len(suffix):] != suffix {
				return nil, fmt.Errorf("file part entity %q does not match range %s", name, suffix)
			}
			path = name[:len(name)-len(suffix)]
		}
		e := &fileEntity{
			base:   base{name: name, tags: normTags(p.Tags)},
			kind:   kind,
			path:   path,
			offset: p.Offset,
			length: p.Length,
		}
		return e.withSignature(p.Sig).wrap(), nil
	}
}
