package pickle

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/errkind"
)

func sampleEntities(t *testing.T) []entity.Entity {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "src.c")
	require.NoError(t, os.WriteFile(file, []byte("int main() { return 0; }"), 0o644))

	return []entity.Entity{
		entity.NewNull("nothing"),
		entity.NewSimple("value", []byte("payload"), "opt"),
		entity.NewSignature("tool", []byte{1, 2, 3, 4}),
		entity.NewFileChecksum(file, "src"),
		entity.NewFileTimestamp(file),
		entity.NewFilePartChecksum(file, 4, 8),
		entity.NewDir(dir),
	}
}

func TestEncodeDecodeEveryVariant(t *testing.T) {
	r := NewRegistry()
	for _, e := range sampleEntities(t) {
		t.Run(e.Kind().String(), func(t *testing.T) {
			data := Encode(e)
			assert.Equal(t, data, Encode(e), "encoding must be deterministic")

			out, err := r.Decode(data)
			require.NoError(t, err)
			assert.True(t, entity.Equal(e, out), "got %s", entity.String(out))
			assert.Equal(t, e.Tags(), out.Tags())
			assert.Equal(t, data, Encode(out), "re-encoding must be byte-equal")
		})
	}
}

func TestEncodeList(t *testing.T) {
	r := NewRegistry()
	list := sampleEntities(t)

	data := EncodeList(list)
	out, err := r.DecodeList(data)
	require.NoError(t, err)
	require.Len(t, out, len(list))
	for i := range list {
		assert.True(t, entity.Equal(list[i], out[i]))
	}

	t.Run("empty list", func(t *testing.T) {
		out, err := r.DecodeList(EncodeList(nil))
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("order matters", func(t *testing.T) {
		reversed := []entity.Entity{list[1], list[0]}
		assert.False(t, bytes.Equal(EncodeList(list[:2]), EncodeList(reversed)))
	})
}

func TestDecodeRejectsCorruptInput(t *testing.T) {
	r := NewRegistry()
	good := Encode(entity.NewSimple("x", []byte("y")))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"wrong version", append([]byte{Version + 1}, good[1:]...)},
		{"truncated", good[:len(good)-2]},
		{"garbage", []byte{Version, 0xff, 0x00}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Decode(tc.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, errkind.ErrCorruptStore)
		})
	}

	t.Run("unknown tag", func(t *testing.T) {
		_, err := r.DecodeRecord(entity.Identity(entity.Kind(200), "x"), nil)
		require.ErrorIs(t, err, errkind.ErrCorruptStore)
		assert.Contains(t, err.Error(), "unknown entity tag 200")
	})
}

func TestRegister(t *testing.T) {
	r := NewRegistry()
	err := r.Register(entity.KindSimple, nil)
	assert.Error(t, err)

	custom := entity.Kind(100)
	require.NoError(t, r.Register(custom, func(name string, _ []byte) (entity.Entity, error) {
		return entity.NewNull(name), nil
	}))
	out, err := r.DecodeRecord(entity.Identity(custom, "c"), nil)
	require.NoError(t, err)
	assert.Equal(t, "c", out.Name())
}

func TestSimpleRoundTripProperty(t *testing.T) {
	r := NewRegistry()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(e)) equals e", prop.ForAll(
		func(name string, value []byte, tags []string) bool {
			e := entity.NewSimple(name, value, tags...)
			out, err := r.Decode(Encode(e))
			if err != nil {
				return false
			}
			return entity.Equal(e, out) && bytes.Equal(Encode(e), Encode(out))
		},
		gen.AnyString(),
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
