package builder

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vk/aqlbuild/internal/fsutil"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("builder: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Base implements the signature and naming part of a builder. Tag must be
// unique per builder type; Attrs holds every setting that changes the output
// and Ident the subset that identifies the builder instance.
type Base struct {
	Tag   string
	Attrs map[string]any
	Ident map[string]any

	sig     []byte
	nameKey []byte
}

// NewBase returns a Base with a precomputed signature. Attribute values must
// be CBOR encodable.
func NewBase(tag string, attrs, ident map[string]any) (Base, error) {
	sig, err := Signature(tag, attrs)
	if err != nil {
		return Base{}, err
	}
	key, err := Signature(tag, ident)
	if err != nil {
		return Base{}, err
	}
	return Base{Tag: tag, Attrs: attrs, Ident: ident, sig: sig, nameKey: key}, nil
}

// NameKey returns the hash of the identifying attributes.
func (b *Base) NameKey() []byte {
	if b.nameKey == nil {
		key, err := Signature(b.Tag, b.Ident)
		if err != nil {
			panic(fmt.Sprintf("builder %s: %v", b.Tag, err))
		}
		b.nameKey = key
	}
	return b.nameKey
}

// Signature returns the builder signature.
func (b *Base) Signature() []byte {
	if b.sig == nil {
		sig, err := Signature(b.Tag, b.Attrs)
		if err != nil {
			panic(fmt.Sprintf("builder %s: %v", b.Tag, err))
		}
		b.sig = sig
	}
	return b.sig
}

// Name returns the type tag.
func (b *Base) Name() string { return b.Tag }

// Signature hashes tag and attrs. Map keys are encoded in canonical order so
// the result does not depend on insertion order.
func Signature(tag string, attrs map[string]any) ([]byte, error) {
	data, err := encMode.Marshal(struct {
		_     struct{} `cbor:",toarray"`
		Tag   string
		Attrs map[string]any
	}{Tag: tag, Attrs: attrs})
	if err != nil {
		return nil, fmt.Errorf("encoding builder attributes: %w", err)
	}
	return fsutil.HashBytes(data), nil
}

// TraceName renders "<tag> <first source>[ ... +N]" for logs.
func TraceName(tag string, sources []string, brief bool) string {
	if len(sources) == 0 {
		return tag
	}
	limit := len(sources)
	if brief && limit > 1 {
		limit = 1
	}
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(strings.Join(sources[:limit], " "))
	if rest := len(sources) - limit; rest > 0 {
		fmt.Fprintf(&b, " ... +%d", rest)
	}
	return b.String()
}
