// Package ecs provides the entity-component world store: archetype storage,
// a component type registry, and the change journal that feeds replication.
package ecs

import (
	"iter"
	"slices"
	"sync"

	"github.com/QYUbit/worldsync/pkg/axlog"
)

type WorldOptions struct {
	// InitialCapacity pre-sizes the entity table.
	InitialCapacity int
	// Journal enables change recording. Client mirrors run without one.
	Journal bool
	Logger  axlog.Logger
}

var DefaultWorldOptions = WorldOptions{
	InitialCapacity: 1024,
	Journal:         true,
}

// ComponentValue pairs a component id with its value.
type ComponentValue struct {
	ID    ComponentID
	Value any
}

// World is a single-writer entity store. Mutations take the world lock and
// append to the journal while holding it; reads may run concurrently with each
// other.
type World struct {
	mu sync.RWMutex

	registry   *Registry
	entities   entityRegistry
	archetypes archetypeGraph
	journal    *Journal
	tick       uint64

	waiters waiterSet

	logger axlog.Logger
}

func NewWorld(registry *Registry) *World {
	return NewWorldWithOptions(registry, DefaultWorldOptions)
}

func NewWorldWithOptions(registry *Registry, opts WorldOptions) *World {
	if registry == nil {
		registry = NewRegistry()
	}

	w := &World{
		registry:   registry,
		entities:   newEntityRegistry(opts.InitialCapacity),
		archetypes: newArchetypeGraph(),
		tick:       1,
		waiters:    newWaiterSet(),
		logger:     axlog.OrNop(opts.Logger),
	}
	if opts.Journal {
		w.journal = newJournal()
	}
	return w
}

func (w *World) Registry() *Registry {
	return w.registry
}

// Journal returns the change journal, or nil when journaling is disabled.
func (w *World) Journal() *Journal {
	return w.journal
}

func (w *World) Tick() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tick
}

// AdvanceTick closes the current tick and returns the new one.
func (w *World) AdvanceTick() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tick++
	return w.tick
}

// ==================================================================
// Mutations
// ==================================================================

// Batch runs fn with the write lock held. Readers observe either none or all
// of the batch. Waiters resolved by the batch fire after the lock is released.
func (w *World) Batch(fn func(tx *Txn) error) error {
	tx := &Txn{w: w}
	err := w.locked(tx, fn)
	tx.fired.run()
	return err
}

func (w *World) locked(tx *Txn, fn func(tx *Txn) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fn(tx)
}

func (w *World) Spawn() Entity {
	var e Entity
	_ = w.Batch(func(tx *Txn) error {
		e = tx.Spawn()
		return nil
	})
	return e
}

// SpawnWith spawns an entity and sets the given components in one batch.
func (w *World) SpawnWith(values ...ComponentValue) (Entity, error) {
	var e Entity
	err := w.Batch(func(tx *Txn) error {
		for _, cv := range values {
			if err := tx.validate("spawn", Entity{}, cv.ID, cv.Value); err != nil {
				return err
			}
		}
		e = tx.Spawn()
		for _, cv := range values {
			if err := tx.Set(e, cv.ID, cv.Value); err != nil {
				return err
			}
		}
		return nil
	})
	return e, err
}

func (w *World) Despawn(e Entity) error {
	return w.Batch(func(tx *Txn) error {
		return tx.Despawn(e)
	})
}

func (w *World) Set(e Entity, id ComponentID, value any) error {
	return w.Batch(func(tx *Txn) error {
		return tx.Set(e, id, value)
	})
}

func (w *World) Remove(e Entity, id ComponentID) error {
	return w.Batch(func(tx *Txn) error {
		return tx.Remove(e, id)
	})
}

// ==================================================================
// Reads
// ==================================================================

func (w *World) Alive(e Entity) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.entities.lookup(e)
	return ok
}

func (w *World) Get(e Entity, id ComponentID) (any, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.get(e, id)
}

func (w *World) Has(e Entity, id ComponentID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	rec, ok := w.entities.lookup(e)
	return ok && rec.arch.has(id)
}

// Components lists the component ids of e in ascending order.
func (w *World) Components(e Entity) ([]ComponentID, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	rec, ok := w.entities.lookup(e)
	if !ok {
		return nil, invalid("components", e, 0, ErrNotFound)
	}
	return slices.Clone(rec.arch.ids), nil
}

// Snapshot returns every component value of e in ascending id order.
func (w *World) Snapshot(e Entity) ([]ComponentValue, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot(e)
}

func (w *World) snapshot(e Entity) ([]ComponentValue, error) {
	rec, ok := w.entities.lookup(e)
	if !ok {
		return nil, invalid("snapshot", e, 0, ErrNotFound)
	}

	out := make([]ComponentValue, 0, len(rec.arch.ids))
	for _, id := range rec.arch.ids {
		v, _ := rec.arch.get(rec.row, id)
		out = append(out, ComponentValue{ID: id, Value: v})
	}
	return out, nil
}

func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.entities.alive
}

// Entities iterates over every live entity. See Query for iteration rules.
func (w *World) Entities() iter.Seq[Entity] {
	return w.Query().Iter()
}

func (w *World) get(e Entity, id ComponentID) (any, error) {
	rec, ok := w.entities.lookup(e)
	if !ok {
		return nil, invalid("get", e, id, ErrNotFound)
	}
	v, ok := rec.arch.get(rec.row, id)
	if !ok {
		if _, known := w.registry.Lookup(id); !known {
			return nil, invalid("get", e, id, ErrUnknownComponent)
		}
		return nil, invalid("get", e, id, ErrNotFound)
	}
	return v, nil
}

// ==================================================================
// Transactions
// ==================================================================

// Txn performs mutations while the world lock is held. It is only valid
// inside the Batch callback that created it.
type Txn struct {
	w     *World
	fired firedWaiters
}

func (tx *Txn) record(e Entity, id ComponentID, op Op, prev any) {
	if tx.w.journal == nil {
		return
	}
	tx.w.journal.append(ChangeRecord{
		Tick:      tx.w.tick,
		Entity:    e,
		Component: id,
		Op:        op,
		Prev:      prev,
	})
}

func (tx *Txn) Spawn() Entity {
	w := tx.w
	e := w.entities.allocate()

	rec, _ := w.entities.lookup(e)
	rec.arch = w.archetypes.root
	rec.row = rec.arch.push(e)

	tx.record(e, 0, OpSpawn, nil)
	return e
}

func (tx *Txn) Despawn(e Entity) error {
	w := tx.w
	rec, ok := w.entities.lookup(e)
	if !ok {
		return invalid("despawn", e, 0, ErrNotFound)
	}

	w.detach(rec)
	w.entities.release(e)
	w.waiters.dropEntity(e)

	tx.record(e, 0, OpDespawn, nil)
	return nil
}

func (tx *Txn) validate(op string, e Entity, id ComponentID, value any) error {
	desc, ok := tx.w.registry.Lookup(id)
	if !ok {
		return invalid(op, e, id, ErrUnknownComponent)
	}
	if !desc.Accepts(value) {
		return invalid(op, e, id, ErrTypeMismatch)
	}
	return nil
}

// Set writes value. The first write records Add; later writes record Update
// only when the value differs under the type's equality function.
func (tx *Txn) Set(e Entity, id ComponentID, value any) error {
	w := tx.w
	rec, ok := w.entities.lookup(e)
	if !ok {
		return invalid("set", e, id, ErrNotFound)
	}
	desc, ok := w.registry.Lookup(id)
	if !ok {
		return invalid("set", e, id, ErrUnknownComponent)
	}
	if !desc.Accepts(value) {
		return invalid("set", e, id, ErrTypeMismatch)
	}
	if b, isBytes := value.([]byte); isBytes {
		value = slices.Clone(b)
	}

	if old, exists := rec.arch.get(rec.row, id); exists {
		if desc.Equal(old, value) {
			return nil
		}
		rec.arch.set(rec.row, id, value)
		tx.record(e, id, OpUpdate, old)
	} else {
		w.move(rec, w.archetypes.withComponent(rec.arch, id))
		rec.arch.set(rec.row, id, value)
		tx.record(e, id, OpAdd, nil)
	}

	tx.fired = w.waiters.resolve(tx.fired, e, id, value)
	return nil
}

// Remove deletes the component. Removing an absent component is a no-op.
func (tx *Txn) Remove(e Entity, id ComponentID) error {
	w := tx.w
	rec, ok := w.entities.lookup(e)
	if !ok {
		return invalid("remove", e, id, ErrNotFound)
	}
	if _, known := w.registry.Lookup(id); !known {
		return invalid("remove", e, id, ErrUnknownComponent)
	}

	old, exists := rec.arch.get(rec.row, id)
	if !exists {
		return nil
	}

	w.move(rec, w.archetypes.withoutComponent(rec.arch, id))
	tx.record(e, id, OpRemove, old)
	return nil
}

func (tx *Txn) Get(e Entity, id ComponentID) (any, error) {
	return tx.w.get(e, id)
}

func (tx *Txn) Alive(e Entity) bool {
	_, ok := tx.w.entities.lookup(e)
	return ok
}

func (tx *Txn) Components(e Entity) []ComponentID {
	rec, ok := tx.w.entities.lookup(e)
	if !ok {
		return nil
	}
	return slices.Clone(rec.arch.ids)
}

// ==================================================================
// Storage moves
// ==================================================================

// move relocates the entity's row into to, carrying over shared columns.
func (w *World) move(rec *entityRecord, to *archetype) {
	from := rec.arch
	row := rec.row
	e := from.entities[row]

	newRow := to.push(e)
	for i, cid := range from.ids {
		if col, ok := to.cols[cid]; ok {
			to.columns[col][newRow] = from.columns[i][row]
		}
	}

	w.detach(rec)
	rec.arch = to
	rec.row = newRow
}

func (w *World) detach(rec *entityRecord) {
	moved, swapped := rec.arch.swapRemove(rec.row)
	if swapped {
		if mrec, ok := w.entities.lookup(moved); ok {
			mrec.row = rec.row
		}
	}
}
