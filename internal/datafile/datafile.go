// Package datafile implements the on-disk keyed blob file backing the entity
// store.
//
// The file starts with an 8-byte magic and a 4-byte format version, followed
// by records laid out as
//
//	u32 size | u32 flags | u32 identity_len | identity | payload
//
// where size counts the whole record including its 12-byte header. A record
// with the tombstone flag set is garbage: either a removed entry or the unused
// tail of a slot that was rewritten in place. Garbage is compacted when the
// file is opened and more than half of the body is dead.
//
// Keys are assigned in file order when the file is loaded and grow
// monotonically for every append, so they are only stable for the lifetime of
// an open File.
package datafile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/vk/aqlbuild/internal/errkind"
)

const (
	// Magic identifies a store file.
	Magic = ".AQL.DB."
	// FormatVersion is the layout version written after the magic.
	FormatVersion uint32 = 1

	headerSize       = len(Magic) + 4
	recordHeaderSize = 12

	flagTombstone uint32 = 1 << 0
)

// Defaults applied when Options leaves the lock timings unset.
const (
	DefaultLockTimeout  = 30 * time.Minute
	DefaultLockInterval = time.Second
)

// Options controls how a data file is opened.
type Options struct {
	// Force truncates a file whose header or body does not parse instead of
	// failing with ErrCorruptStore.
	Force bool
	// ReadOnly takes a shared lock and rejects mutations.
	ReadOnly bool
	// LockTimeout bounds the wait for the advisory lock.
	LockTimeout time.Duration
	// LockInterval is the polling period while waiting for the lock.
	LockInterval time.Duration
}

type slot struct {
	key      uint64
	identity []byte
	offset   int64
	size     uint32
}

func (s *slot) payloadOffset() int64 {
	return s.offset + recordHeaderSize + int64(len(s.identity))
}

func (s *slot) payloadLen() int {
	return int(s.size) - recordHeaderSize - len(s.identity)
}

// File is an open data file. Methods are safe for concurrent use.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
	lock *fileLock
	ro   bool

	byIdentity map[string]*slot
	byKey      map[uint64]*slot
	nextKey    uint64
	end        int64
	garbage    int64
}

// Open opens or creates the data file at path, holding its advisory lock
// until Close.
func Open(ctx context.Context, path string, opts Options) (*File, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.LockInterval <= 0 {
		opts.LockInterval = DefaultLockInterval
	}

	lock, err := acquireLock(ctx, path+".lock", !opts.ReadOnly, opts.LockTimeout, opts.LockInterval)
	if err != nil {
		return nil, err
	}

	df, err := open(path, opts)
	if err != nil {
		lock.release()
		return nil, err
	}
	df.lock = lock

	if !df.ro && df.garbage > 0 && df.garbage*2 > df.end-int64(headerSize) {
		if err := df.compact(); err != nil {
			df.Close()
			return nil, err
		}
	}
	return df, nil
}

func open(path string, opts Options) (*File, error) {
	df := &File{
		path:       path,
		ro:         opts.ReadOnly,
		byIdentity: make(map[string]*slot),
		byKey:      make(map[uint64]*slot),
		nextKey:    1,
		end:        int64(headerSize),
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if opts.ReadOnly && errors.Is(err, fs.ErrNotExist) {
			return df, nil
		}
		return nil, fmt.Errorf("opening data file %s: %w", path, err)
	}
	df.f = f

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat data file %s: %w", path, err)
	}

	if info.Size() == 0 {
		if df.ro {
			return df, nil
		}
		if err := df.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return df, nil
	}

	goodEnd, loadErr := df.load(info.Size())
	if loadErr == nil {
		return df, nil
	}
	if !opts.Force || df.ro {
		f.Close()
		return nil, loadErr
	}

	// Keep whatever parsed before the damage; a bad header resets the file.
	if goodEnd < int64(headerSize) {
		df.reset()
		if err := df.f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncating data file %s: %w", path, err)
		}
		if err := df.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return df, nil
	}
	if err := df.f.Truncate(goodEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating data file %s: %w", path, err)
	}
	df.end = goodEnd
	return df, nil
}

func (df *File) reset() {
	df.byIdentity = make(map[string]*slot)
	df.byKey = make(map[uint64]*slot)
	df.nextKey = 1
	df.end = int64(headerSize)
	df.garbage = 0
}

func (df *File) writeHeader() error {
	hdr := make([]byte, headerSize)
	copy(hdr, Magic)
	binary.LittleEndian.PutUint32(hdr[len(Magic):], FormatVersion)
	if _, err := df.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("writing data file header: %w", err)
	}
	df.end = int64(headerSize)
	return nil
}

// load scans the file and rebuilds the indexes. On failure it returns the
// offset just past the last record that parsed.
func (df *File) load(size int64) (int64, error) {
	r := bufio.NewReaderSize(io.NewSectionReader(df.f, 0, size), 1<<16)

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, errkind.New(errkind.ErrCorruptStore, "%s: short header (%d bytes)", df.path, size)
	}
	if !bytes.Equal(hdr[:len(Magic)], []byte(Magic)) {
		return 0, errkind.New(errkind.ErrCorruptStore, "%s: bad magic %q", df.path, hdr[:len(Magic)])
	}
	if v := binary.LittleEndian.Uint32(hdr[len(Magic):]); v != FormatVersion {
		return 0, errkind.New(errkind.ErrCorruptStore, "%s: unsupported format version %d", df.path, v)
	}

	off := int64(headerSize)
	rh := make([]byte, recordHeaderSize)
	for off < size {
		if _, err := io.ReadFull(r, rh); err != nil {
			return off, errkind.New(errkind.ErrCorruptStore, "%s: truncated record at offset %d", df.path, off)
		}
		recSize := binary.LittleEndian.Uint32(rh[0:])
		flags := binary.LittleEndian.Uint32(rh[4:])
		idLen := binary.LittleEndian.Uint32(rh[8:])
		if recSize < recordHeaderSize || int64(recSize) > size-off || idLen > recSize-recordHeaderSize {
			return off, errkind.New(errkind.ErrCorruptStore, "%s: invalid record header at offset %d", df.path, off)
		}

		body := int64(recSize) - recordHeaderSize
		if flags&flagTombstone != 0 {
			if _, err := r.Discard(int(body)); err != nil {
				return off, errkind.New(errkind.ErrCorruptStore, "%s: truncated record at offset %d", df.path, off)
			}
			df.garbage += int64(recSize)
			off += int64(recSize)
			continue
		}

		identity := make([]byte, idLen)
		if _, err := io.ReadFull(r, identity); err != nil {
			return off, errkind.New(errkind.ErrCorruptStore, "%s: truncated record at offset %d", df.path, off)
		}
		if _, err := r.Discard(int(body) - int(idLen)); err != nil {
			return off, errkind.New(errkind.ErrCorruptStore, "%s: truncated record at offset %d", df.path, off)
		}

		if old, ok := df.byIdentity[string(identity)]; ok {
			delete(df.byKey, old.key)
			df.garbage += int64(old.size)
		}
		s := &slot{key: df.nextKey, identity: identity, offset: off, size: recSize}
		df.nextKey++
		df.byIdentity[string(identity)] = s
		df.byKey[s.key] = s
		off += int64(recSize)
	}
	df.end = off
	return off, nil
}

// Path returns the file location.
func (df *File) Path() string { return df.path }

// Len returns the number of live records.
func (df *File) Len() int {
	df.mu.Lock()
	defer df.mu.Unlock()
	return len(df.byIdentity)
}

// Read returns the payload stored under identity.
func (df *File) Read(identity []byte) ([]byte, bool, error) {
	df.mu.Lock()
	defer df.mu.Unlock()
	s, ok := df.byIdentity[string(identity)]
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, s.payloadLen())
	if _, err := df.f.ReadAt(buf, s.payloadOffset()); err != nil {
		return nil, false, fmt.Errorf("reading record %d: %w", s.key, err)
	}
	return buf, true, nil
}

// ReadKey returns the identity and payload stored under key.
func (df *File) ReadKey(key uint64) (identity, payload []byte, ok bool, err error) {
	df.mu.Lock()
	defer df.mu.Unlock()
	s, found := df.byKey[key]
	if !found {
		return nil, nil, false, nil
	}
	buf := make([]byte, s.payloadLen())
	if _, err := df.f.ReadAt(buf, s.payloadOffset()); err != nil {
		return nil, nil, false, fmt.Errorf("reading record %d: %w", key, err)
	}
	return bytes.Clone(s.identity), buf, true, nil
}

// Write inserts or replaces the payload of identity and returns its current
// key. Replacing a record whose slot cannot hold the new payload moves it to
// the end of the file under a new key.
func (df *File) Write(identity, payload []byte) (uint64, error) {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.writable(); err != nil {
		return 0, err
	}

	need := int64(recordHeaderSize + len(identity) + len(payload))
	if need > int64(^uint32(0)) {
		return 0, fmt.Errorf("record for identity of %d bytes is too large (%d bytes)", len(identity), need)
	}
	rec := encodeRecord(identity, payload)

	if s, ok := df.byIdentity[string(identity)]; ok {
		spare := int64(s.size) - need
		if spare == 0 || spare >= recordHeaderSize {
			if _, err := df.f.WriteAt(rec, s.offset); err != nil {
				return 0, fmt.Errorf("rewriting record %d: %w", s.key, err)
			}
			if spare > 0 {
				if err := df.writeFiller(s.offset+need, uint32(spare)); err != nil {
					return 0, err
				}
				df.garbage += spare
			}
			s.size = uint32(need)
			return s.key, nil
		}
		if err := df.tombstone(s); err != nil {
			return 0, err
		}
	}

	if _, err := df.f.WriteAt(rec, df.end); err != nil {
		return 0, fmt.Errorf("appending record: %w", err)
	}
	s := &slot{key: df.nextKey, identity: bytes.Clone(identity), offset: df.end, size: uint32(need)}
	df.nextKey++
	df.end += need
	df.byIdentity[string(identity)] = s
	df.byKey[s.key] = s
	return s.key, nil
}

// Remove deletes the records of identities. Unknown identities are ignored.
func (df *File) Remove(identities ...[]byte) error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.writable(); err != nil {
		return err
	}
	for _, id := range identities {
		s, ok := df.byIdentity[string(id)]
		if !ok {
			continue
		}
		if err := df.tombstone(s); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the key of each identity, or 0 when it is not stored.
func (df *File) Keys(identities ...[]byte) []uint64 {
	df.mu.Lock()
	defer df.mu.Unlock()
	out := make([]uint64, len(identities))
	for i, id := range identities {
		if s, ok := df.byIdentity[string(id)]; ok {
			out[i] = s.key
		}
	}
	return out
}

// Identities returns the identity stored under each key, or nil when the key
// is unknown.
func (df *File) Identities(keys ...uint64) [][]byte {
	df.mu.Lock()
	defer df.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if s, ok := df.byKey[k]; ok {
			out[i] = bytes.Clone(s.identity)
		}
	}
	return out
}

// Index returns a copy of the identity to key mapping.
func (df *File) Index() map[string]uint64 {
	df.mu.Lock()
	defer df.mu.Unlock()
	out := make(map[string]uint64, len(df.byIdentity))
	for id, s := range df.byIdentity {
		out[id] = s.key
	}
	return out
}

// Clear drops every record.
func (df *File) Clear() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.writable(); err != nil {
		return err
	}
	if err := df.f.Truncate(int64(headerSize)); err != nil {
		return fmt.Errorf("truncating data file %s: %w", df.path, err)
	}
	df.reset()
	return nil
}

// Close flushes the file and releases the lock.
func (df *File) Close() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	var errs []error
	if df.f != nil {
		if !df.ro {
			if err := df.f.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("syncing data file: %w", err))
			}
		}
		if err := df.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing data file: %w", err))
		}
		df.f = nil
	}
	if df.lock != nil {
		if err := df.lock.release(); err != nil {
			errs = append(errs, err)
		}
		df.lock = nil
	}
	return errors.Join(errs...)
}

func (df *File) writable() error {
	if df.ro {
		return fmt.Errorf("data file %s is open read-only", df.path)
	}
	if df.f == nil {
		return fmt.Errorf("data file %s is closed", df.path)
	}
	return nil
}

func (df *File) tombstone(s *slot) error {
	var flags [4]byte
	binary.LittleEndian.PutUint32(flags[:], flagTombstone)
	if _, err := df.f.WriteAt(flags[:], s.offset+4); err != nil {
		return fmt.Errorf("tombstoning record %d: %w", s.key, err)
	}
	delete(df.byIdentity, string(s.identity))
	delete(df.byKey, s.key)
	df.garbage += int64(s.size)
	return nil
}

func (df *File) writeFiller(off int64, size uint32) error {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], size)
	binary.LittleEndian.PutUint32(hdr[4:], flagTombstone)
	if _, err := df.f.WriteAt(hdr[:], off); err != nil {
		return fmt.Errorf("writing filler record: %w", err)
	}
	return nil
}

func encodeRecord(identity, payload []byte) []byte {
	size := recordHeaderSize + len(identity) + len(payload)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(size))
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(identity)))
	copy(buf[recordHeaderSize:], identity)
	copy(buf[recordHeaderSize+len(identity):], payload)
	return buf
}

// compact rewrites the live records in key order into a fresh file and
// atomically swaps it in. Keys are reassigned densely from 1.
func (df *File) compact() error {
	df.mu.Lock()
	defer df.mu.Unlock()

	slots := make([]*slot, 0, len(df.byKey))
	for _, s := range df.byKey {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].key < slots[j].key })

	tmpPath := df.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating compacted data file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	w := bufio.NewWriterSize(tmp, 1<<16)
	hdr := make([]byte, headerSize)
	copy(hdr, Magic)
	binary.LittleEndian.PutUint32(hdr[len(Magic):], FormatVersion)
	if _, err := w.Write(hdr); err != nil {
		cleanup()
		return fmt.Errorf("writing compacted data file: %w", err)
	}

	off := int64(headerSize)
	moved := make([]*slot, 0, len(slots))
	for i, s := range slots {
		payload := make([]byte, s.payloadLen())
		if _, err := df.f.ReadAt(payload, s.payloadOffset()); err != nil {
			cleanup()
			return fmt.Errorf("reading record %d during compaction: %w", s.key, err)
		}
		rec := encodeRecord(s.identity, payload)
		if _, err := w.Write(rec); err != nil {
			cleanup()
			return fmt.Errorf("writing compacted data file: %w", err)
		}
		moved = append(moved, &slot{key: uint64(i + 1), identity: s.identity, offset: off, size: uint32(len(rec))})
		off += int64(len(rec))
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("writing compacted data file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing compacted data file: %w", err)
	}
	if err := os.Rename(tmpPath, df.path); err != nil {
		cleanup()
		return fmt.Errorf("replacing data file: %w", err)
	}

	df.f.Close()
	df.f = tmp
	df.reset()
	for _, s := range moved {
		df.byIdentity[string(s.identity)] = s
		df.byKey[s.key] = s
	}
	df.nextKey = uint64(len(moved) + 1)
	df.end = off
	return nil
}

// Garbage returns the number of dead bytes in the body.
func (df *File) Garbage() int64 {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.garbage
}
