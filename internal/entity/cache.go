package entity

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vk/aqlbuild/internal/fsutil"
	"golang.org/x/sync/singleflight"
)

// signatureCache remembers content hashes by path. An entry is reused only
// while the file keeps the size and modification time it had when hashed, so
// files rewritten by builders are re-hashed on the next lookup.
type signatureCache struct {
	mu      sync.Mutex
	entries map[string]cachedSig
	flight  singleflight.Group
}

type cachedSig struct {
	size  int64
	mtime time.Time
	sig   []byte
}

var fileSignatures = newSignatureCache()

func newSignatureCache() *signatureCache {
	return &signatureCache{entries: make(map[string]cachedSig)}
}

// ResetFileCache drops every cached file signature. The build manager calls
// it at the start of each run.
func ResetFileCache() {
	fileSignatures.mu.Lock()
	fileSignatures.entries = make(map[string]cachedSig)
	fileSignatures.mu.Unlock()
}

// ForgetFile drops the cached signatures of path.
func ForgetFile(path string) {
	path = fsutil.AbsPath(path, "")
	fileSignatures.mu.Lock()
	defer fileSignatures.mu.Unlock()
	for key := range fileSignatures.entries {
		if key == path || len(key) > len(path) && key[:len(path)] == path && key[len(path)] == '@' {
			delete(fileSignatures.entries, key)
		}
	}
}

func (c *signatureCache) timestamp(path string) []byte {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return fsutil.PackTimeSignature(info)
}

func (c *signatureCache) checksum(path string) []byte {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		return fsutil.PackTimeSignature(info)
	}
	return c.lookup(path, info, func() ([]byte, error) {
		return fsutil.ContentHash(path)
	})
}

func (c *signatureCache) part(path string, offset, length int64) []byte {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	return c.lookup(partName(path, offset, length), info, func() ([]byte, error) {
		return fsutil.PartHash(path, offset, length)
	})
}

func (c *signatureCache) lookup(key string, info os.FileInfo, compute func() ([]byte, error)) []byte {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.size == info.Size() && e.mtime.Equal(info.ModTime()) {
		c.mu.Unlock()
		return e.sig
	}
	c.mu.Unlock()

	flightKey := fmt.Sprintf("%s|%d|%d", key, info.Size(), info.ModTime().UnixNano())
	v, err, _ := c.flight.Do(flightKey, func() (any, error) {
		sig, err := compute()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cachedSig{size: info.Size(), mtime: info.ModTime(), sig: sig}
		c.mu.Unlock()
		return sig, nil
	})
	if err != nil {
		return nil
	}
	return v.([]byte)
}
