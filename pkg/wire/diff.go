package wire

import (
	"errors"
	"fmt"

	"github.com/QYUbit/worldsync/pkg/ecs"
)

const (
	// diffPrefixed marks that every value carries a uvarint length so a
	// decoder can skip component types it does not know.
	diffPrefixed = 1 << 0
	// diffFull marks a snapshot: the receiver drops every replicated entity
	// that is not spawned by it.
	diffFull = 1 << 1
)

type Upsert struct {
	Entity    ecs.Entity
	Component ecs.ComponentID
	Value     any
}

type Removal struct {
	Entity    ecs.Entity
	Component ecs.ComponentID
}

// WorldDiff is the coalesced change set for one recipient and one tick.
// Entities use the server's handles.
type WorldDiff struct {
	Tick uint64
	// Baseline is the last tick the recipient acknowledged. The diff covers
	// every change after it.
	Baseline uint64
	Full     bool

	Spawns   []ecs.Entity
	Upserts  []Upsert
	Removes  []Removal
	Despawns []ecs.Entity

	// Skipped counts upserts dropped on decode because their component type
	// was unknown. Only tolerant sessions produce it.
	Skipped int
}

func (d *WorldDiff) Empty() bool {
	return len(d.Spawns) == 0 && len(d.Upserts) == 0 && len(d.Removes) == 0 && len(d.Despawns) == 0
}

// DiffCodec encodes and decodes diffs against a component registry.
type DiffCodec struct {
	Registry *ecs.Registry
	// Prefixed writes every value with a length prefix. Sessions negotiated
	// as tolerant always set it.
	Prefixed bool
}

func writeEntity(b *Buffer, e ecs.Entity) {
	b.WriteUvarint(uint64(e.Index))
	b.WriteUvarint(uint64(e.Generation))
}

func readEntity(b *Buffer) (ecs.Entity, error) {
	idx, err := b.ReadUvarint()
	if err != nil {
		return ecs.Entity{}, err
	}
	gen, err := b.ReadUvarint()
	if err != nil {
		return ecs.Entity{}, err
	}
	if idx > 1<<32-1 || gen > 1<<32-1 {
		return ecs.Entity{}, fmt.Errorf("%w: entity out of range", ErrLengthMismatch)
	}
	return ecs.Entity{Index: uint32(idx), Generation: uint32(gen)}, nil
}

// Encode appends the diff payload to dst.
func (c DiffCodec) Encode(dst []byte, d *WorldDiff) ([]byte, error) {
	b := &Buffer{buf: dst}

	var flags byte
	if c.Prefixed {
		flags |= diffPrefixed
	}
	if d.Full {
		flags |= diffFull
	}
	_ = b.WriteByte(flags)
	b.WriteUvarint(d.Tick)
	b.WriteUvarint(d.Baseline)

	b.WriteUvarint(uint64(len(d.Spawns)))
	for _, e := range d.Spawns {
		writeEntity(b, e)
	}

	b.WriteUvarint(uint64(len(d.Upserts)))
	var scratch []byte
	for _, u := range d.Upserts {
		desc, ok := c.Registry.Lookup(u.Component)
		if !ok {
			return dst, codecErr("encode diff", fmt.Errorf("%w: %d", ErrUnknownComponent, u.Component))
		}
		writeEntity(b, u.Entity)
		b.WriteUvarint(uint64(u.Component))

		if !c.Prefixed {
			if err := b.Append(func(p []byte) ([]byte, error) { return desc.AppendValue(p, u.Value) }); err != nil {
				return dst, codecErr("encode diff", err)
			}
			continue
		}
		var err error
		scratch, err = desc.AppendValue(scratch[:0], u.Value)
		if err != nil {
			return dst, codecErr("encode diff", err)
		}
		b.WriteBytes(scratch)
	}

	b.WriteUvarint(uint64(len(d.Removes)))
	for _, r := range d.Removes {
		writeEntity(b, r.Entity)
		b.WriteUvarint(uint64(r.Component))
	}

	b.WriteUvarint(uint64(len(d.Despawns)))
	for _, e := range d.Despawns {
		writeEntity(b, e)
	}
	return b.Bytes(), nil
}

// EncodeFrame encodes d into a complete WorldDiff frame.
func (c DiffCodec) EncodeFrame(d *WorldDiff) ([]byte, error) {
	payload, err := c.Encode(nil, d)
	if err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), FrameWorldDiff, payload), nil
}

// readCount reads a list length and rejects counts that cannot fit in the
// remaining input, each element taking at least size bytes.
func readCount(b *Buffer, size int) (int, error) {
	n, err := b.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(b.Remaining()/size) {
		return 0, fmt.Errorf("%w: count %d", ErrTruncated, n)
	}
	return int(n), nil
}

// Decode parses a diff payload. Unknown component types fail unless the
// payload is length-prefixed and tolerant is set, in which case they are
// skipped and counted.
func (c DiffCodec) Decode(p []byte, tolerant bool) (*WorldDiff, error) {
	d, err := c.decode(NewReader(p), tolerant)
	if err != nil {
		return nil, codecErr("decode diff", err)
	}
	return d, nil
}

func (c DiffCodec) decode(b *Buffer, tolerant bool) (*WorldDiff, error) {
	flags, err := b.ReadByte()
	if err != nil {
		return nil, err
	}
	prefixed := flags&diffPrefixed != 0

	d := &WorldDiff{Full: flags&diffFull != 0}
	if d.Tick, err = b.ReadUvarint(); err != nil {
		return nil, err
	}
	if d.Baseline, err = b.ReadUvarint(); err != nil {
		return nil, err
	}

	n, err := readCount(b, 2)
	if err != nil {
		return nil, err
	}
	d.Spawns = make([]ecs.Entity, 0, n)
	for range n {
		e, err := readEntity(b)
		if err != nil {
			return nil, err
		}
		d.Spawns = append(d.Spawns, e)
	}

	if n, err = readCount(b, 3); err != nil {
		return nil, err
	}
	d.Upserts = make([]Upsert, 0, n)
	for range n {
		e, err := readEntity(b)
		if err != nil {
			return nil, err
		}
		id, err := b.ReadUvarint()
		if err != nil {
			return nil, err
		}
		u, skip, err := c.readValue(b, e, ecs.ComponentID(id), prefixed, tolerant)
		if err != nil {
			return nil, err
		}
		if skip {
			d.Skipped++
			continue
		}
		d.Upserts = append(d.Upserts, u)
	}

	if n, err = readCount(b, 3); err != nil {
		return nil, err
	}
	d.Removes = make([]Removal, 0, n)
	for range n {
		e, err := readEntity(b)
		if err != nil {
			return nil, err
		}
		id, err := b.ReadUvarint()
		if err != nil {
			return nil, err
		}
		if _, ok := c.Registry.Lookup(ecs.ComponentID(id)); !ok {
			if tolerant {
				d.Skipped++
				continue
			}
			return nil, fmt.Errorf("%w: %d", ErrUnknownComponent, id)
		}
		d.Removes = append(d.Removes, Removal{Entity: e, Component: ecs.ComponentID(id)})
	}

	if n, err = readCount(b, 2); err != nil {
		return nil, err
	}
	d.Despawns = make([]ecs.Entity, 0, n)
	for range n {
		e, err := readEntity(b)
		if err != nil {
			return nil, err
		}
		d.Despawns = append(d.Despawns, e)
	}

	if err := b.ExpectEnd(); err != nil {
		return nil, err
	}
	return d, nil
}

func (c DiffCodec) readValue(b *Buffer, e ecs.Entity, id ecs.ComponentID, prefixed, tolerant bool) (Upsert, bool, error) {
	desc, known := c.Registry.Lookup(id)

	if !prefixed {
		if !known {
			return Upsert{}, false, fmt.Errorf("%w: %d", ErrUnknownComponent, id)
		}
		v, n, err := desc.ReadValue(b.Rest())
		if err != nil {
			return Upsert{}, false, valueErr(err)
		}
		_ = b.Skip(n)
		return Upsert{Entity: e, Component: id, Value: v}, false, nil
	}

	l, err := b.ReadUvarint()
	if err != nil {
		return Upsert{}, false, err
	}
	raw, err := b.ReadN(l)
	if err != nil {
		return Upsert{}, false, err
	}
	if !known {
		if tolerant {
			return Upsert{}, true, nil
		}
		return Upsert{}, false, fmt.Errorf("%w: %d", ErrUnknownComponent, id)
	}

	v, n, err := desc.ReadValue(raw)
	if err != nil {
		return Upsert{}, false, valueErr(err)
	}
	if n != len(raw) {
		return Upsert{}, false, fmt.Errorf("%w: component %d declared %d bytes, used %d", ErrLengthMismatch, id, len(raw), n)
	}
	return Upsert{Entity: e, Component: id, Value: v}, false, nil
}

func valueErr(err error) error {
	if errors.Is(err, ecs.ErrShortValue) {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return err
}
