package ecs

type waitKey struct {
	entity    Entity
	component ComponentID
}

type waiterSet struct {
	next    uint64
	pending map[waitKey]map[uint64]func(any)
}

func newWaiterSet() waiterSet {
	return waiterSet{pending: make(map[waitKey]map[uint64]func(any))}
}

type firedWaiter struct {
	fn    func(any)
	value any
}

type firedWaiters []firedWaiter

func (f firedWaiters) run() {
	for _, fw := range f {
		fw.fn(fw.value)
	}
}

func (s *waiterSet) add(key waitKey, fn func(any)) uint64 {
	s.next++
	m, ok := s.pending[key]
	if !ok {
		m = make(map[uint64]func(any))
		s.pending[key] = m
	}
	m[s.next] = fn
	return s.next
}

func (s *waiterSet) cancel(key waitKey, id uint64) {
	m, ok := s.pending[key]
	if !ok {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(s.pending, key)
	}
}

func (s *waiterSet) resolve(fired firedWaiters, e Entity, id ComponentID, value any) firedWaiters {
	if len(s.pending) == 0 {
		return fired
	}
	key := waitKey{e, id}
	m, ok := s.pending[key]
	if !ok {
		return fired
	}
	delete(s.pending, key)
	for _, fn := range m {
		fired = append(fired, firedWaiter{fn: fn, value: value})
	}
	return fired
}

func (s *waiterSet) dropEntity(e Entity) {
	for key := range s.pending {
		if key.entity == e {
			delete(s.pending, key)
		}
	}
}

// WaitFor registers a one-shot callback for the moment component id appears
// on e. If it is already present fn runs immediately. Otherwise the next Set
// of (e, id) resolves it, synchronously, once that mutation has released the
// world lock. Despawning e discards the waiter. The returned func cancels it.
func (w *World) WaitFor(e Entity, id ComponentID, fn func(value any)) (cancel func()) {
	w.mu.Lock()

	if rec, ok := w.entities.lookup(e); ok {
		if v, present := rec.arch.get(rec.row, id); present {
			w.mu.Unlock()
			fn(v)
			return func() {}
		}
	} else {
		w.mu.Unlock()
		return func() {}
	}

	key := waitKey{e, id}
	wid := w.waiters.add(key, fn)
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		w.waiters.cancel(key, wid)
		w.mu.Unlock()
	}
}

// WaitForComponent is the typed form of World.WaitFor.
func WaitForComponent[T any](w *World, e Entity, c Component[T], fn func(T)) (cancel func()) {
	return w.WaitFor(e, c.ID(), func(v any) {
		if t, ok := v.(T); ok {
			fn(t)
		}
	})
}
