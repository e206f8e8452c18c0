package ecs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type ComponentID uint16

// NoSyncID is the built-in marker type. Entities carrying it never replicate.
const NoSyncID ComponentID = 1

type EqualFunc func(a, b any) bool

// ValueCodec encodes KindBlob values. Encode appends to dst.
type ValueCodec interface {
	Encode(dst []byte, v any) ([]byte, error)
	Decode(src []byte) (any, error)
}

// Descriptor describes one registered component type.
type Descriptor struct {
	ID        ComponentID
	Name      string
	Kind      Kind
	Networked bool
	// Equal decides whether a write changes the stored value. Defaults to exact
	// comparison of the values.
	Equal EqualFunc
	// Codec is required for KindBlob and ignored otherwise.
	Codec ValueCodec

	accept func(v any) bool
	zero   any
}

func (d *Descriptor) Accepts(v any) bool {
	if d.accept != nil {
		return d.accept(v)
	}
	return kindAccepts(d.Kind, v)
}

// AppendValue writes v in the descriptor's layout. Fixed-size kinds are written
// without a length, variable ones are uvarint prefixed.
func (d *Descriptor) AppendValue(dst []byte, v any) ([]byte, error) {
	if !d.Accepts(v) {
		return dst, fmt.Errorf("%w: %s expects %s, got %T", ErrTypeMismatch, d.Name, d.Kind, v)
	}
	if d.Kind != KindBlob {
		return appendKind(dst, d.Kind, v), nil
	}

	body, err := d.Codec.Encode(nil, v)
	if err != nil {
		return dst, fmt.Errorf("encode %s: %w", d.Name, err)
	}
	dst = binary.AppendUvarint(dst, uint64(len(body)))
	return append(dst, body...), nil
}

// ReadValue decodes one value from the front of src and returns the number of
// bytes it occupied.
func (d *Descriptor) ReadValue(src []byte) (any, int, error) {
	if d.Kind == KindEmpty && d.zero != nil {
		return d.zero, 0, nil
	}
	if d.Kind != KindBlob {
		return readKind(src, d.Kind)
	}

	l, n := binary.Uvarint(src)
	if n <= 0 || l > uint64(len(src)-n) {
		return nil, 0, ErrShortValue
	}
	end := n + int(l)
	v, err := d.Codec.Decode(src[n:end])
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", d.Name, err)
	}
	return v, end, nil
}

func (d *Descriptor) prepare() error {
	if d.ID == 0 {
		return fmt.Errorf("%w: id 0 is reserved", ErrInvalidDescriptor)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: component %d has no name", ErrInvalidDescriptor, d.ID)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: %s has invalid kind %d", ErrInvalidDescriptor, d.Name, d.Kind)
	}
	if d.Kind == KindBlob && d.Codec == nil {
		return fmt.Errorf("%w: blob component %s needs a codec", ErrInvalidDescriptor, d.Name)
	}

	if d.Equal == nil {
		if d.Kind == KindBlob {
			codec := d.Codec
			d.Equal = func(a, b any) bool {
				x, err := codec.Encode(nil, a)
				if err != nil {
					return false
				}
				y, err := codec.Encode(nil, b)
				return err == nil && bytes.Equal(x, y)
			}
		} else {
			d.Equal = defaultEqual(d.Kind)
		}
	}
	return nil
}

// Registry maps stable component ids to descriptors. Server and clients build
// their registries from the same declarations; Hash detects drift.
type Registry struct {
	mu     sync.RWMutex
	byID   map[ComponentID]*Descriptor
	byName map[string]*Descriptor
}

func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[ComponentID]*Descriptor),
		byName: make(map[string]*Descriptor),
	}

	noSync := &Descriptor{ID: NoSyncID, Name: "core::no_sync", Kind: KindEmpty}
	_ = noSync.prepare()
	r.byID[noSync.ID] = noSync
	r.byName[noSync.Name] = noSync

	return r
}

// Register adds a descriptor. The registry keeps its own copy.
func (r *Registry) Register(d Descriptor) (*Descriptor, error) {
	desc := d
	if err := desc.prepare(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[desc.ID]; exists {
		return nil, fmt.Errorf("%w: id %d", ErrDuplicateComponent, desc.ID)
	}
	if _, exists := r.byName[desc.Name]; exists {
		return nil, fmt.Errorf("%w: name %q", ErrDuplicateComponent, desc.Name)
	}

	r.byID[desc.ID] = &desc
	r.byName[desc.Name] = &desc
	return &desc, nil
}

func (r *Registry) Lookup(id ComponentID) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

func (r *Registry) LookupName(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Descriptors returns all descriptors ordered by id.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Descriptor) int { return int(a.ID) - int(b.ID) })
	return out
}

// Hash fingerprints the schema: ids, names, kinds and networked flags.
func (r *Registry) Hash() uint64 {
	h := xxhash.New()
	var buf []byte

	for _, d := range r.Descriptors() {
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint16(buf, uint16(d.ID))
		buf = binary.AppendUvarint(buf, uint64(len(d.Name)))
		buf = append(buf, d.Name...)
		buf = append(buf, byte(d.Kind))
		if d.Networked {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

// ==================================================================
// Typed handles
// ==================================================================

// Component is a typed handle onto a registered descriptor.
type Component[T any] struct {
	desc *Descriptor
}

func (c Component[T]) ID() ComponentID {
	return c.desc.ID
}

func (c Component[T]) Descriptor() *Descriptor {
	return c.desc
}

// Register registers d and binds it to the Go type T. T must be the Go type of
// d.Kind (mgl32 vectors for vector kinds, Entity for KindEntity); KindEmpty
// accepts any tag type and KindBlob any type its codec understands.
func Register[T any](r *Registry, d Descriptor) (Component[T], error) {
	var zero T

	switch d.Kind {
	case KindEmpty:
		d.zero = zero
	case KindBlob:
	default:
		if !kindAccepts(d.Kind, any(zero)) {
			return Component[T]{}, fmt.Errorf("%w: %s cannot hold %T", ErrInvalidDescriptor, d.Kind, zero)
		}
	}
	d.accept = func(v any) bool {
		_, ok := v.(T)
		return ok
	}

	desc, err := r.Register(d)
	if err != nil {
		return Component[T]{}, err
	}
	return Component[T]{desc: desc}, nil
}

// MustRegister is Register that panics on error, for package-level declarations.
func MustRegister[T any](r *Registry, d Descriptor) Component[T] {
	c, err := Register[T](r, d)
	if err != nil {
		panic(err)
	}
	return c
}
