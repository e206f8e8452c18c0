package ecs

// View reads the world under one read lock, so every read sees the same
// state and the journal cannot grow underneath. It is only valid inside the
// callback that received it, which must not call World methods.
type View struct {
	w *World
}

// View runs fn with the world read-locked.
func (w *World) View(fn func(v *View)) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn(&View{w: w})
}

func (v *View) Tick() uint64 {
	return v.w.tick
}

func (v *View) Registry() *Registry {
	return v.w.registry
}

func (v *View) Alive(e Entity) bool {
	_, ok := v.w.entities.lookup(e)
	return ok
}

func (v *View) Get(e Entity, id ComponentID) (any, error) {
	return v.w.get(e, id)
}

func (v *View) Has(e Entity, id ComponentID) bool {
	rec, ok := v.w.entities.lookup(e)
	return ok && rec.arch.has(id)
}

func (v *View) Snapshot(e Entity) ([]ComponentValue, error) {
	return v.w.snapshot(e)
}

// Each calls fn for every live entity until fn returns false.
func (v *View) Each(fn func(e Entity) bool) {
	for _, a := range v.w.archetypes.all {
		for _, e := range a.entities {
			if !fn(e) {
				return
			}
		}
	}
}
