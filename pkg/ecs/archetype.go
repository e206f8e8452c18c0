package ecs

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// archetype stores every entity that has exactly the component set ids.
// Columns are parallel to entities.
type archetype struct {
	id       uint64
	ids      []ComponentID
	cols     map[ComponentID]int
	columns  [][]any
	entities []Entity

	addEdges    map[ComponentID]*archetype
	removeEdges map[ComponentID]*archetype
}

func archetypeKey(ids []ComponentID) (string, uint64) {
	buf := make([]byte, 0, len(ids)*2)
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(id))
	}
	return string(buf), xxhash.Sum64(buf)
}

func newArchetype(ids []ComponentID, id uint64) *archetype {
	a := &archetype{
		id:          id,
		ids:         ids,
		cols:        make(map[ComponentID]int, len(ids)),
		columns:     make([][]any, len(ids)),
		addEdges:    make(map[ComponentID]*archetype),
		removeEdges: make(map[ComponentID]*archetype),
	}
	for i, cid := range ids {
		a.cols[cid] = i
	}
	return a
}

func (a *archetype) has(id ComponentID) bool {
	_, ok := a.cols[id]
	return ok
}

func (a *archetype) hasAll(ids []ComponentID) bool {
	for _, id := range ids {
		if !a.has(id) {
			return false
		}
	}
	return true
}

func (a *archetype) hasAny(ids []ComponentID) bool {
	for _, id := range ids {
		if a.has(id) {
			return true
		}
	}
	return false
}

func (a *archetype) get(row int, id ComponentID) (any, bool) {
	col, ok := a.cols[id]
	if !ok {
		return nil, false
	}
	return a.columns[col][row], true
}

func (a *archetype) set(row int, id ComponentID, v any) {
	a.columns[a.cols[id]][row] = v
}

func (a *archetype) len() int {
	return len(a.entities)
}

// push appends an empty row and returns its index.
func (a *archetype) push(e Entity) int {
	a.entities = append(a.entities, e)
	for i := range a.columns {
		a.columns[i] = append(a.columns[i], nil)
	}
	return len(a.entities) - 1
}

// swapRemove drops row and reports the entity that moved into its place, if any.
func (a *archetype) swapRemove(row int) (Entity, bool) {
	last := len(a.entities) - 1
	var moved Entity
	swapped := row != last

	if swapped {
		moved = a.entities[last]
		a.entities[row] = moved
		for i := range a.columns {
			a.columns[i][row] = a.columns[i][last]
		}
	}

	a.entities = a.entities[:last]
	for i := range a.columns {
		a.columns[i][last] = nil
		a.columns[i] = a.columns[i][:last]
	}
	return moved, swapped
}

// ==================================================================
// Archetype graph
// ==================================================================

type archetypeGraph struct {
	byKey map[string]*archetype
	all   []*archetype
	root  *archetype
}

func newArchetypeGraph() archetypeGraph {
	g := archetypeGraph{byKey: make(map[string]*archetype)}
	g.root = g.lookup(nil)
	return g
}

func (g *archetypeGraph) lookup(ids []ComponentID) *archetype {
	key, hash := archetypeKey(ids)
	if a, ok := g.byKey[key]; ok {
		return a
	}
	a := newArchetype(ids, hash)
	g.byKey[key] = a
	g.all = append(g.all, a)
	return a
}

func (g *archetypeGraph) withComponent(from *archetype, id ComponentID) *archetype {
	if to, ok := from.addEdges[id]; ok {
		return to
	}

	ids := make([]ComponentID, 0, len(from.ids)+1)
	ids = append(ids, from.ids...)
	ids = append(ids, id)
	slices.Sort(ids)

	to := g.lookup(ids)
	from.addEdges[id] = to
	to.removeEdges[id] = from
	return to
}

func (g *archetypeGraph) withoutComponent(from *archetype, id ComponentID) *archetype {
	if to, ok := from.removeEdges[id]; ok {
		return to
	}

	ids := make([]ComponentID, 0, len(from.ids))
	for _, cid := range from.ids {
		if cid != id {
			ids = append(ids, cid)
		}
	}

	to := g.lookup(ids)
	from.removeEdges[id] = to
	to.addEdges[id] = from
	return to
}
