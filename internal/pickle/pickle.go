// Package pickle serializes entities for the store. Every encoding starts with
// a format version byte followed by canonical CBOR, so equal entities always
// produce byte-equal output.
package pickle

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/errkind"
)

// Version is the current encoding format.
const Version byte = 1

// record is one encoded entity: identity bytes and payload bytes.
type record struct {
	_        struct{} `cbor:",toarray"`
	Identity []byte
	Payload  []byte
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("pickle: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Registry maps entity kinds to decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[entity.Kind]entity.DecodeFunc
}

// NewRegistry returns a registry holding every built-in entity variant.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[entity.Kind]entity.DecodeFunc)}
	for kind, fn := range entity.Decoders() {
		r.decoders[kind] = fn
	}
	return r
}

// Register installs fn as the decoder for kind. It fails if kind is taken.
func (r *Registry) Register(kind entity.Kind, fn entity.DecodeFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[kind]; exists {
		return fmt.Errorf("decoder for %s already registered", kind)
	}
	r.decoders[kind] = fn
	return nil
}

// Encode returns the versioned encoding of e.
func Encode(e entity.Entity) []byte {
	return marshal(record{Identity: e.Identity(), Payload: e.Payload()})
}

// EncodeList encodes entities in order.
func EncodeList(entities []entity.Entity) []byte {
	recs := make([]record, len(entities))
	for i, e := range entities {
		recs[i] = record{Identity: e.Identity(), Payload: e.Payload()}
	}
	return marshal(recs)
}

func marshal(v any) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("pickle: encoding: %v", err))
	}
	return append([]byte{Version}, b...)
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errkind.New(errkind.ErrCorruptStore, "empty entity encoding")
	}
	if data[0] != Version {
		return errkind.New(errkind.ErrCorruptStore, "unsupported encoding version %d", data[0])
	}
	if err := cbor.Unmarshal(data[1:], v); err != nil {
		return errkind.Wrap(errkind.ErrCorruptStore, err, "decoding entity")
	}
	return nil
}

// Decode reverses Encode.
func (r *Registry) Decode(data []byte) (entity.Entity, error) {
	var rec record
	if err := unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return r.DecodeRecord(rec.Identity, rec.Payload)
}

// DecodeList reverses EncodeList.
func (r *Registry) DecodeList(data []byte) ([]entity.Entity, error) {
	var recs []record
	if err := unmarshal(data, &recs); err != nil {
		return nil, err
	}
	out := make([]entity.Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := r.DecodeRecord(rec.Identity, rec.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DecodeRecord rebuilds an entity from the identity and payload stored
// separately by the data file.
func (r *Registry) DecodeRecord(identity, payload []byte) (entity.Entity, error) {
	kind, name, err := entity.ParseIdentity(identity)
	if err != nil {
		return nil, errkind.Wrap(errkind.ErrCorruptStore, err, "parsing identity")
	}
	r.mu.RLock()
	fn, ok := r.decoders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errkind.New(errkind.ErrCorruptStore, "unknown entity tag %d", uint8(kind))
	}
	e, err := fn(name, payload)
	if err != nil {
		return nil, errkind.Wrap(errkind.ErrCorruptStore, err, "decoding %s %q", kind, name)
	}
	return e, nil
}
