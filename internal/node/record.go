package node

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vk/aqlbuild/internal/entity"
	"github.com/vk/aqlbuild/internal/entitystore"
	"github.com/vk/aqlbuild/internal/pickle"
)

// Each node persists four records as Simple entities named by its keys. The
// values are encoded entity lists captured at build time.

func recordName(key string) string { return "node:" + key }

// inputs is what the sources record captures: the builder signature,
// declared sources, source node targets, dependency entities and dependency
// node targets, in that order.
func (n *Node) inputs() []entity.Entity {
	out := []entity.Entity{entity.NewSignature("builder", n.builder.Signature())}
	out = append(out, n.liveSources()...)
	for _, sn := range n.sourceNodes {
		out = append(out, sn.targets...)
	}
	if n.liveDeps == nil && len(n.depEntities) > 0 {
		n.liveDeps = refreshAll(n.depEntities)
	}
	out = append(out, n.liveDeps...)
	for _, dn := range n.depNodes {
		out = append(out, dn.targets...)
	}
	return out
}

func loadRecord(store *entitystore.Store, key string) ([]byte, bool, error) {
	e, ok, err := store.Find(entity.NewSimple(recordName(key), nil))
	if err != nil || !ok {
		return nil, ok, err
	}
	s, isSimple := e.(*entity.Simple)
	if !isSimple {
		return nil, false, fmt.Errorf("node record %s has unexpected kind %s", key, e.Kind())
	}
	return s.Value(), true, nil
}

func loadList(store *entitystore.Store, key string) ([]entity.Entity, bool, error) {
	data, ok, err := loadRecord(store, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	list, err := store.Registry().DecodeList(data)
	if err != nil {
		return nil, false, err
	}
	return list, true, nil
}

func allActual(list []entity.Entity) bool {
	for _, e := range list {
		if !e.IsActual() {
			return false
		}
	}
	return true
}

// IsActual reports whether the stored records of n match the live state:
// the encoded inputs are byte-equal and every recorded target and implicit
// dependency is still actual. On success the recorded targets, side effects
// and implicit deps are installed on n.
func (n *Node) IsActual(store *entitystore.Store) (bool, error) {
	current := n.inputs()
	for _, e := range current {
		if len(e.Signature()) == 0 {
			return false, nil
		}
	}

	stored, ok, err := loadRecord(store, n.Name())
	if err != nil || !ok {
		return false, err
	}
	if !bytes.Equal(stored, pickle.EncodeList(current)) {
		return false, nil
	}

	targets, ok, err := loadList(store, n.TargetsKey())
	if err != nil || !ok || !allActual(targets) {
		return false, err
	}
	ideps, ok, err := loadList(store, n.IdepsKey())
	if err != nil || !ok || !allActual(ideps) {
		return false, err
	}
	side, _, err := loadList(store, n.SideEffectsKey())
	if err != nil {
		return false, err
	}

	n.targets, n.sideEffects, n.ideps = targets, side, ideps
	return true, nil
}

// Save persists the four records of n after a successful build.
func (n *Node) Save(store *entitystore.Store) error {
	records := []entity.Entity{
		entity.NewSimple(recordName(n.Name()), pickle.EncodeList(n.inputs())),
		entity.NewSimple(recordName(n.TargetsKey()), pickle.EncodeList(n.targets)),
		entity.NewSimple(recordName(n.SideEffectsKey()), pickle.EncodeList(n.sideEffects)),
		entity.NewSimple(recordName(n.IdepsKey()), pickle.EncodeList(n.ideps)),
	}
	if err := store.AddAll(records); err != nil {
		return fmt.Errorf("saving node %s: %w", n.TraceName(true), err)
	}
	return nil
}

// Clear removes the artifacts of n and its records. Targets are taken from
// the store when n has not run in this process.
func (n *Node) Clear(store *entitystore.Store) error {
	targets, sideEffects := n.targets, n.sideEffects
	if targets == nil {
		stored, _, err := loadList(store, n.TargetsKey())
		if err != nil {
			return err
		}
		targets = stored
	}
	if sideEffects == nil {
		stored, _, err := loadList(store, n.SideEffectsKey())
		if err != nil {
			return err
		}
		sideEffects = stored
	}
	if targets == nil {
		targets = n.IntendedTargets()
	}

	var errs []error
	if c, ok := n.builder.(Clearer); ok {
		if err := c.Clear(n, targets, sideEffects); err != nil {
			errs = append(errs, err)
		}
	} else {
		for _, e := range append(append([]entity.Entity(nil), targets...), sideEffects...) {
			if err := e.Remove(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	err := store.Remove(
		entity.NewSimple(recordName(n.Name()), nil),
		entity.NewSimple(recordName(n.TargetsKey()), nil),
		entity.NewSimple(recordName(n.SideEffectsKey()), nil),
		entity.NewSimple(recordName(n.IdepsKey()), nil),
	)
	if err != nil {
		errs = append(errs, err)
	}
	n.targets, n.sideEffects, n.ideps = nil, nil, nil
	if len(errs) > 0 {
		return fmt.Errorf("clearing node %s: %w", n.TraceName(true), errors.Join(errs...))
	}
	return nil
}
