package fsutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

// ChunkSize is the read size used when hashing file contents.
const ChunkSize = 256 * 1024

// HashSize is the length in bytes of every content hash.
const HashSize = 16

// ContentHash returns the 128-bit hash of the full content of the file at path.
func ContentHash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := xxh3.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, ChunkSize)); err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	sum := h.Sum128().Bytes()
	return sum[:], nil
}

// PartHash hashes the byte range [offset, offset+length) of the file at path.
// Offset and length are bound into the hash input, so equal bytes taken from
// different ranges hash differently. A range running past the end of the file
// hashes the bytes that exist.
func PartHash(path string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid file range [%d, +%d)", offset, length)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := xxh3.New()
	var header [16]byte
	binary.BigEndian.PutUint64(header[:8], uint64(offset))
	binary.BigEndian.PutUint64(header[8:], uint64(length))
	_, _ = h.Write(header[:])

	r := io.NewSectionReader(f, offset, length)
	if _, err := io.CopyBuffer(h, r, make([]byte, ChunkSize)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	sum := h.Sum128().Bytes()
	return sum[:], nil
}

// HashBytes returns the 128-bit hash of data.
func HashBytes(data []byte) []byte {
	sum := xxh3.Hash128(data).Bytes()
	return sum[:]
}

// TimeSignature packs the size and modification time of path into 16 bytes.
// Directories are accepted.
func TimeSignature(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return PackTimeSignature(info), nil
}

// PackTimeSignature encodes (size, mtime in nanoseconds) as two big-endian
// 64-bit fields.
func PackTimeSignature(info os.FileInfo) []byte {
	sig := make([]byte, 16)
	binary.BigEndian.PutUint64(sig[:8], uint64(info.Size()))
	binary.BigEndian.PutUint64(sig[8:], uint64(info.ModTime().UnixNano()))
	return sig
}
