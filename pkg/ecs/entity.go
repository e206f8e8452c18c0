package ecs

import "fmt"

// Entity is an opaque (index, generation) handle. The zero value never refers
// to a live entity. Despawning bumps the generation of the slot, so handles
// held across a despawn stop resolving.
type Entity struct {
	Index      uint32
	Generation uint32
}

func (e Entity) IsZero() bool {
	return e.Index == 0 && e.Generation == 0
}

func (e Entity) String() string {
	return fmt.Sprintf("%dv%d", e.Index, e.Generation)
}

type entityRecord struct {
	generation uint32
	alive      bool
	arch       *archetype
	row        int
}

type entityRegistry struct {
	records []entityRecord
	free    []uint32
	alive   int
}

func newEntityRegistry(capacity int) entityRegistry {
	if capacity < 1 {
		capacity = 1
	}
	// Slot 0 is reserved so that Entity{} stays invalid.
	records := make([]entityRecord, 1, capacity+1)
	return entityRegistry{records: records}
}

func (r *entityRegistry) allocate() Entity {
	r.alive++

	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]

		rec := &r.records[idx]
		rec.alive = true
		return Entity{Index: idx, Generation: rec.generation}
	}

	idx := uint32(len(r.records))
	r.records = append(r.records, entityRecord{generation: 1, alive: true, row: -1})
	return Entity{Index: idx, Generation: 1}
}

func (r *entityRegistry) release(e Entity) {
	rec := &r.records[e.Index]
	rec.alive = false
	rec.arch = nil
	rec.row = -1
	rec.generation++
	if rec.generation == 0 {
		rec.generation = 1
	}
	r.free = append(r.free, e.Index)
	r.alive--
}

func (r *entityRegistry) lookup(e Entity) (*entityRecord, bool) {
	if e.Index == 0 || int(e.Index) >= len(r.records) {
		return nil, false
	}
	rec := &r.records[e.Index]
	if !rec.alive || rec.generation != e.Generation {
		return nil, false
	}
	return rec, true
}
