// Package entitystore speaks in entities on top of a data file. It keeps the
// identity/key mappings in memory and caches decoded entities by key so
// repeated lookups during a build never touch the disk twice.
package entitystore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/vk/aqlbuild/internal/datafile"
	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/errkind"
	"github.com/vk/aqlbuild/internal/pickle"
)

// Options controls how the store is opened.
type Options struct {
	datafile.Options
	// Registry decodes stored entities. NewRegistry is used when nil.
	Registry *pickle.Registry
}

type cached struct {
	entity  entity.Entity
	payload []byte
}

// Store is an entities file.
type Store struct {
	mu  sync.Mutex
	df  *datafile.File
	reg *pickle.Registry

	keys  map[string]uint64
	ids   map[uint64]string
	cache map[uint64]cached
}

// Open opens the entities file at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	df, err := datafile.Open(ctx, path, opts.Options)
	if err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = pickle.NewRegistry()
	}
	s := &Store{df: df, reg: reg}
	s.loadIndex()
	return s, nil
}

func (s *Store) loadIndex() {
	index := s.df.Index()
	s.keys = make(map[string]uint64, len(index))
	s.ids = make(map[uint64]string, len(index))
	s.cache = make(map[uint64]cached)
	for id, key := range index {
		s.keys[id] = key
		s.ids[key] = id
	}
}

// Path returns the location of the backing file.
func (s *Store) Path() string { return s.df.Path() }

// Registry returns the decoder registry of the store.
func (s *Store) Registry() *pickle.Registry { return s.reg }

// Find returns the stored counterpart of e. The returned entity carries the
// signature recorded at the last Add, not the live one.
func (s *Store) Find(e entity.Entity) (entity.Entity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[string(e.Identity())]
	if !ok {
		return nil, false, nil
	}
	c, err := s.load(key)
	if err != nil {
		return nil, false, err
	}
	return c.entity, true, nil
}

func (s *Store) load(key uint64) (cached, error) {
	if c, ok := s.cache[key]; ok {
		return c, nil
	}
	identity := []byte(s.ids[key])
	payload, ok, err := s.df.Read(identity)
	if err != nil {
		return cached{}, err
	}
	if !ok {
		return cached{}, errkind.New(errkind.ErrCorruptStore, "key %d indexed but missing from %s", key, s.df.Path())
	}
	e, err := s.reg.DecodeRecord(identity, payload)
	if err != nil {
		return cached{}, err
	}
	c := cached{entity: e, payload: payload}
	s.cache[key] = c
	return c, nil
}

// Add stores e, replacing the previous record of the same identity when the
// payload changed. It returns the key of the record.
func (s *Store) Add(e entity.Entity) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(e)
}

// AddAll stores every entity in order.
func (s *Store) AddAll(entities []entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		if _, err := s.add(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) add(e entity.Entity) (uint64, error) {
	identity := e.Identity()
	payload := e.Payload()

	if key, ok := s.keys[string(identity)]; ok {
		c, err := s.load(key)
		if err == nil && bytes.Equal(c.payload, payload) {
			return key, nil
		}
	}

	key, err := s.df.Write(identity, payload)
	if err != nil {
		return 0, fmt.Errorf("storing %s: %w", entity.String(e), err)
	}
	if old, ok := s.keys[string(identity)]; ok && old != key {
		delete(s.ids, old)
		delete(s.cache, old)
	}
	s.keys[string(identity)] = key
	s.ids[key] = string(identity)
	s.cache[key] = cached{entity: e, payload: payload}
	return key, nil
}

// Remove deletes the records of entities. Unknown entities are ignored.
func (s *Store) Remove(entities ...entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([][]byte, 0, len(entities))
	for _, e := range entities {
		id := e.Identity()
		key, ok := s.keys[string(id)]
		if !ok {
			continue
		}
		ids = append(ids, id)
		delete(s.keys, string(id))
		delete(s.ids, key)
		delete(s.cache, key)
	}
	if len(ids) == 0 {
		return nil
	}
	return s.df.Remove(ids...)
}

// Keys returns the store key of each entity, 0 when absent.
func (s *Store) Keys(entities ...entity.Entity) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(entities))
	for i, e := range entities {
		out[i] = s.keys[string(e.Identity())]
	}
	return out
}

// Entities returns the stored entities for keys, nil for unknown keys.
func (s *Store) Entities(keys ...uint64) ([]entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Entity, len(keys))
	for i, key := range keys {
		if _, ok := s.ids[key]; !ok {
			continue
		}
		c, err := s.load(key)
		if err != nil {
			return nil, err
		}
		out[i] = c.entity
	}
	return out, nil
}

// Index returns a copy of the identity to key map.
func (s *Store) Index() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.keys))
	for id, key := range s.keys {
		out[id] = key
	}
	return out
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Clear removes every record.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.df.Clear(); err != nil {
		return err
	}
	s.loadIndex()
	return nil
}

// Close releases the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.df.Close()
}

// SelfCheck verifies that the in-memory maps agree with each other and with
// the data file, and that every record decodes.
func (s *Store) SelfCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.keys) != len(s.ids) {
		return errkind.New(errkind.ErrCorruptStore, "identity map has %d entries, key map has %d", len(s.keys), len(s.ids))
	}
	for id, key := range s.keys {
		if s.ids[key] != id {
			return errkind.New(errkind.ErrCorruptStore, "key %d maps back to a different identity", key)
		}
	}

	fileIndex := s.df.Index()
	if len(fileIndex) != len(s.keys) {
		return errkind.New(errkind.ErrCorruptStore, "data file holds %d records, index holds %d", len(fileIndex), len(s.keys))
	}
	for id, key := range fileIndex {
		if s.keys[id] != key {
			return errkind.New(errkind.ErrCorruptStore, "identity %q has key %d on disk and %d in memory", id, key, s.keys[id])
		}
		ids := s.df.Identities(key)
		if !bytes.Equal(ids[0], []byte(id)) {
			return errkind.New(errkind.ErrCorruptStore, "key %d resolves to a different identity on disk", key)
		}
		_, payload, ok, err := s.df.ReadKey(key)
		if err != nil {
			return err
		}
		if !ok {
			return errkind.New(errkind.ErrCorruptStore, "key %d missing on disk", key)
		}
		if _, err := s.reg.DecodeRecord([]byte(id), payload); err != nil {
			return err
		}
	}
	return nil
}
