package ecs

func Set[T any](w *World, e Entity, c Component[T], value T) error {
	return w.Set(e, c.ID(), value)
}

// Get returns the typed value of c on e.
func Get[T any](w *World, e Entity, c Component[T]) (T, error) {
	var zero T
	v, err := w.Get(e, c.ID())
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, invalid("get", e, c.ID(), ErrTypeMismatch)
	}
	return t, nil
}

func Has[T any](w *World, e Entity, c Component[T]) bool {
	return w.Has(e, c.ID())
}

func Remove[T any](w *World, e Entity, c Component[T]) error {
	return w.Remove(e, c.ID())
}

// With builds a ComponentValue for SpawnWith.
func With[T any](c Component[T], value T) ComponentValue {
	return ComponentValue{ID: c.ID(), Value: value}
}
