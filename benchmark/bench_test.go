package bench

import (
	"testing"

	"github.com/QYUbit/worldsync/pkg/ecs"
	"github.com/QYUbit/worldsync/pkg/replication"
	"github.com/QYUbit/worldsync/pkg/wire"
	"github.com/go-gl/mathgl/mgl32"
)

// Benchmark Components
type benchComponents struct {
	pos    ecs.Component[mgl32.Vec3]
	vel    ecs.Component[mgl32.Vec3]
	health ecs.Component[int32]
	damage ecs.Component[int32]
	armor  ecs.Component[int32]
}

func newBenchWorld(b *testing.B) (*ecs.World, benchComponents) {
	b.Helper()
	reg := ecs.NewRegistry()
	c := benchComponents{
		pos:    ecs.MustRegister[mgl32.Vec3](reg, ecs.Descriptor{ID: 10, Name: "bench::pos", Kind: ecs.KindVec3, Networked: true}),
		vel:    ecs.MustRegister[mgl32.Vec3](reg, ecs.Descriptor{ID: 11, Name: "bench::vel", Kind: ecs.KindVec3}),
		health: ecs.MustRegister[int32](reg, ecs.Descriptor{ID: 12, Name: "bench::health", Kind: ecs.KindInt32, Networked: true}),
		damage: ecs.MustRegister[int32](reg, ecs.Descriptor{ID: 13, Name: "bench::damage", Kind: ecs.KindInt32}),
		armor:  ecs.MustRegister[int32](reg, ecs.Descriptor{ID: 14, Name: "bench::armor", Kind: ecs.KindInt32, Networked: true}),
	}
	return ecs.NewWorldWithOptions(reg, ecs.WorldOptions{InitialCapacity: 1 << 14, Journal: true}), c
}

func populate(w *ecs.World, c benchComponents, n int) []ecs.Entity {
	entities := make([]ecs.Entity, 0, n)
	for i := range n {
		values := []ecs.ComponentValue{ecs.With(c.pos, mgl32.Vec3{1, 2, 3})}
		switch i % 4 {
		case 0:
			values = append(values, ecs.With(c.vel, mgl32.Vec3{0.1, 0.2, 0.3}), ecs.With(c.health, 100))
		case 1:
			values = append(values, ecs.With(c.health, 100), ecs.With(c.armor, 5))
		case 2:
			values = append(values, ecs.With(c.vel, mgl32.Vec3{}), ecs.With(c.damage, 1))
		case 3:
			values = append(values, ecs.With(c.health, 100), ecs.With(c.damage, 1), ecs.With(c.armor, 5))
		}
		e, _ := w.SpawnWith(values...)
		entities = append(entities, e)
	}
	w.Journal().Compact()
	return entities
}

// BenchmarkSpawn benchmarks entity creation
func BenchmarkSpawn(b *testing.B) {
	w, c := newBenchWorld(b)
	cur := w.Journal().NewCursor()

	for b.Loop() {
		_, _ = w.SpawnWith(ecs.With(c.pos, mgl32.Vec3{1, 2, 3}))
		w.Journal().Drain(cur)
		w.Journal().Compact()
	}
}

// BenchmarkSpawnDespawn benchmarks a spawn and despawn pair with several components
func BenchmarkSpawnDespawn(b *testing.B) {
	w, c := newBenchWorld(b)

	for b.Loop() {
		e, _ := w.SpawnWith(
			ecs.With(c.pos, mgl32.Vec3{1, 2, 3}),
			ecs.With(c.vel, mgl32.Vec3{0.1, 0.2, 0.3}),
			ecs.With(c.health, 100),
		)
		_ = w.Despawn(e)
		w.Journal().Compact()
	}
}

// BenchmarkComponentAddRemove benchmarks archetype moves
func BenchmarkComponentAddRemove(b *testing.B) {
	w, c := newBenchWorld(b)
	entities := populate(w, c, 1000)

	i := 0
	for b.Loop() {
		e := entities[i%len(entities)]
		_ = ecs.Set(w, e, c.armor, 1)
		_ = ecs.Remove(w, e, c.armor)
		i++
		w.Journal().Compact()
	}
}

// BenchmarkComponentGet benchmarks typed reads
func BenchmarkComponentGet(b *testing.B) {
	w, c := newBenchWorld(b)
	entities := populate(w, c, 1000)

	i := 0
	for b.Loop() {
		_, _ = ecs.Get(w, entities[i%len(entities)], c.pos)
		i++
	}
}

func BenchmarkQuery_100(b *testing.B)   { benchmarkQuery(b, 100) }
func BenchmarkQuery_1000(b *testing.B)  { benchmarkQuery(b, 1000) }
func BenchmarkQuery_10000(b *testing.B) { benchmarkQuery(b, 10000) }

func benchmarkQuery(b *testing.B, entityCount int) {
	w, c := newBenchWorld(b)
	populate(w, c, entityCount)

	for b.Loop() {
		count := 0
		for range w.Query(c.pos.ID(), c.health.ID()).Without(c.vel.ID()).Iter() {
			count++
		}
	}
}

// BenchmarkIterateAndMutate benchmarks a movement pass inside one batch
func BenchmarkIterateAndMutate(b *testing.B) {
	w, c := newBenchWorld(b)
	populate(w, c, 1000)
	moving := w.Query(c.pos.ID(), c.vel.ID()).Collect()

	for b.Loop() {
		_ = w.Batch(func(tx *ecs.Txn) error {
			for _, e := range moving {
				p, _ := tx.Get(e, c.pos.ID())
				v, _ := tx.Get(e, c.vel.ID())
				_ = tx.Set(e, c.pos.ID(), p.(mgl32.Vec3).Add(v.(mgl32.Vec3)))
			}
			return nil
		})
		w.Journal().Compact()
	}
}

func BenchmarkBuild_10of1000(b *testing.B)   { benchmarkBuild(b, 1000, 10) }
func BenchmarkBuild_10of10000(b *testing.B)  { benchmarkBuild(b, 10000, 10) }
func BenchmarkBuild_100of10000(b *testing.B) { benchmarkBuild(b, 10000, 100) }

// benchmarkBuild changes a fixed number of entities per tick. The cost should
// follow the number of changes, not the world size.
func benchmarkBuild(b *testing.B, entityCount, changed int) {
	w, c := newBenchWorld(b)
	entities := populate(w, c, entityCount)

	builder, err := replication.NewBuilder(w, replication.BuilderOptions{MaxPendingEntities: entityCount})
	if err != nil {
		b.Fatal(err)
	}
	builder.AddClient("bench")
	_, _ = builder.Build("bench")
	_ = builder.Ack("bench", w.Tick())
	w.AdvanceTick()

	i := int32(0)
	for b.Loop() {
		for j := range changed {
			_ = ecs.Set(w, entities[(int(i)*changed+j)%len(entities)], c.pos, mgl32.Vec3{float32(i), 0, 0})
		}
		d, err := builder.Build("bench")
		if err != nil {
			b.Fatal(err)
		}
		if d != nil {
			_ = builder.Ack("bench", d.Tick)
		}
		w.Journal().Compact()
		w.AdvanceTick()
		i++
	}
}

// BenchmarkEncodeDiff benchmarks the wire encoding of a 100 entity diff
func BenchmarkEncodeDiff(b *testing.B) {
	w, c := newBenchWorld(b)
	entities := populate(w, c, 100)

	d := &wire.WorldDiff{Tick: 10, Baseline: 9}
	for _, e := range entities {
		d.Upserts = append(d.Upserts, wire.Upsert{Entity: e, Component: c.pos.ID(), Value: mgl32.Vec3{1, 2, 3}})
	}
	codec := wire.DiffCodec{Registry: w.Registry()}
	buf := make([]byte, 0, 4096)

	for b.Loop() {
		var err error
		if buf, err = codec.Encode(buf[:0], d); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDecodeDiff benchmarks decoding the same diff
func BenchmarkDecodeDiff(b *testing.B) {
	w, c := newBenchWorld(b)
	entities := populate(w, c, 100)

	d := &wire.WorldDiff{Tick: 10, Baseline: 9}
	for _, e := range entities {
		d.Upserts = append(d.Upserts, wire.Upsert{Entity: e, Component: c.pos.ID(), Value: mgl32.Vec3{1, 2, 3}})
	}
	codec := wire.DiffCodec{Registry: w.Registry()}
	payload, err := codec.Encode(nil, d)
	if err != nil {
		b.Fatal(err)
	}

	for b.Loop() {
		if _, err := codec.Decode(payload, false); err != nil {
			b.Fatal(err)
		}
	}
}
