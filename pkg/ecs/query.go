package ecs

import (
	"iter"
	"slices"
)

// Query selects entities by component set. It is lazy and restartable: every
// call to Iter walks the world again. Each archetype is snapshotted when the
// iteration reaches it, so the loop body may mutate the world.
type Query struct {
	w       *World
	with    []ComponentID
	without []ComponentID
}

func (w *World) Query(ids ...ComponentID) *Query {
	return &Query{w: w, with: slices.Clone(ids)}
}

func (q *Query) With(ids ...ComponentID) *Query {
	q.with = append(q.with, ids...)
	return q
}

func (q *Query) Without(ids ...ComponentID) *Query {
	q.without = append(q.without, ids...)
	return q
}

func (q *Query) matches(a *archetype) bool {
	return a.hasAll(q.with) && !a.hasAny(q.without)
}

func (q *Query) Iter() iter.Seq[Entity] {
	return func(yield func(Entity) bool) {
		q.w.mu.RLock()
		archs := make([]*archetype, 0, len(q.w.archetypes.all))
		for _, a := range q.w.archetypes.all {
			if q.matches(a) {
				archs = append(archs, a)
			}
		}
		q.w.mu.RUnlock()

		for _, a := range archs {
			q.w.mu.RLock()
			entities := slices.Clone(a.entities)
			q.w.mu.RUnlock()

			for _, e := range entities {
				if !yield(e) {
					return
				}
			}
		}
	}
}

func (q *Query) Count() int {
	q.w.mu.RLock()
	defer q.w.mu.RUnlock()

	n := 0
	for _, a := range q.w.archetypes.all {
		if q.matches(a) {
			n += a.len()
		}
	}
	return n
}

// Collect gathers the matching entities into a slice.
func (q *Query) Collect() []Entity {
	return slices.Collect(q.Iter())
}
