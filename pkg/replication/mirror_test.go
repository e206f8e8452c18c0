package replication

import (
	"errors"
	"slices"
	"testing"

	"github.com/QYUbit/worldsync/pkg/ecs"
	"github.com/QYUbit/worldsync/pkg/wire"
)

func newTestMirror(t *testing.T) (*Mirror, testComponents) {
	t.Helper()
	reg, c := newTestRegistry()
	return NewMirror(reg, MirrorOptions{}), c
}

func mustApply(t *testing.T, m *Mirror, d *wire.WorldDiff) {
	t.Helper()
	applied, err := m.Apply(d)
	if err != nil {
		t.Fatalf("apply %d: %v", d.Tick, err)
	}
	if !applied {
		t.Fatalf("diff %d was not applied", d.Tick)
	}
}

func remoteEntity(i uint32) ecs.Entity {
	return ecs.Entity{Index: i, Generation: 1}
}

// TestMirrorApply tests spawn, update, remove and despawn through the translation table
func TestMirrorApply(t *testing.T) {
	m, c := newTestMirror(t)
	r := remoteEntity(7)

	mustApply(t, m, &wire.WorldDiff{
		Tick: 1, Baseline: 1, Full: true,
		Spawns:  []ecs.Entity{r},
		Upserts: []wire.Upsert{{Entity: r, Component: c.score.ID(), Value: int32(3)}, {Entity: r, Component: c.name.ID(), Value: "a"}},
	})

	local, ok := m.Local(r)
	if !ok {
		t.Fatal("remote entity not mapped")
	}
	if back, _ := m.Remote(local); back != r {
		t.Errorf("reverse mapping returned %s", back)
	}
	if v, _ := ecs.Get(m.World(), local, c.score); v != 3 {
		t.Errorf("expected score 3, got %d", v)
	}

	mustApply(t, m, &wire.WorldDiff{
		Tick: 2, Baseline: 1,
		Upserts: []wire.Upsert{{Entity: r, Component: c.score.ID(), Value: int32(4)}},
		Removes: []wire.Removal{{Entity: r, Component: c.name.ID()}},
	})
	if v, _ := ecs.Get(m.World(), local, c.score); v != 4 {
		t.Errorf("expected score 4, got %d", v)
	}
	if ecs.Has(m.World(), local, c.name) {
		t.Error("name should be removed")
	}

	mustApply(t, m, &wire.WorldDiff{Tick: 3, Baseline: 2, Despawns: []ecs.Entity{r}})
	if m.World().Alive(local) {
		t.Error("local entity should be despawned")
	}
	if _, ok := m.Local(r); ok {
		t.Error("mapping should be released")
	}
	if m.LastApplied() != 3 || m.Frame() != 3 {
		t.Errorf("unexpected last applied %d frame %d", m.LastApplied(), m.Frame())
	}
}

// TestMirrorIdempotent tests that repeated and stale diffs change nothing
func TestMirrorIdempotent(t *testing.T) {
	m, c := newTestMirror(t)
	r := remoteEntity(1)

	mustApply(t, m, &wire.WorldDiff{Tick: 1, Baseline: 1, Full: true})

	d := &wire.WorldDiff{
		Tick: 2, Baseline: 1,
		Spawns:  []ecs.Entity{r},
		Upserts: []wire.Upsert{{Entity: r, Component: c.score.ID(), Value: int32(1)}},
	}
	mustApply(t, m, d)
	if applied, err := m.Apply(d); applied || err != nil {
		t.Errorf("repeated diff: applied %v, err %v", applied, err)
	}

	// A later cumulative diff carrying the same spawn keeps one entity.
	mustApply(t, m, &wire.WorldDiff{
		Tick: 3, Baseline: 1,
		Spawns:  []ecs.Entity{r},
		Upserts: []wire.Upsert{{Entity: r, Component: c.score.ID(), Value: int32(2)}},
	})
	if n := m.World().Len(); n != 1 {
		t.Errorf("expected one entity, got %d", n)
	}
	local, _ := m.Local(r)
	if v, _ := ecs.Get(m.World(), local, c.score); v != 2 {
		t.Errorf("expected score 2, got %d", v)
	}

	ahead := &wire.WorldDiff{Tick: 9, Baseline: 8}
	if applied, err := m.Apply(ahead); applied || err != nil {
		t.Errorf("diff ahead of baseline: applied %v, err %v", applied, err)
	}
}

// TestMirrorSpawnResets tests that a repeated spawn replaces the entity state
func TestMirrorSpawnResets(t *testing.T) {
	m, c := newTestMirror(t)
	r := remoteEntity(1)

	mustApply(t, m, &wire.WorldDiff{
		Tick: 1, Baseline: 1, Full: true,
		Spawns:  []ecs.Entity{r},
		Upserts: []wire.Upsert{{Entity: r, Component: c.score.ID(), Value: int32(1)}, {Entity: r, Component: c.name.ID(), Value: "old"}},
	})
	local, _ := m.Local(r)

	mustApply(t, m, &wire.WorldDiff{
		Tick: 2, Baseline: 1,
		Spawns:  []ecs.Entity{r},
		Upserts: []wire.Upsert{{Entity: r, Component: c.score.ID(), Value: int32(5)}},
	})
	if again, _ := m.Local(r); again != local {
		t.Errorf("respawn changed the local entity %s -> %s", local, again)
	}
	if ecs.Has(m.World(), local, c.name) {
		t.Error("respawn kept a component the server no longer sends")
	}
}

// TestMirrorFullReconciles tests that a snapshot drops missing server entities only
func TestMirrorFullReconciles(t *testing.T) {
	m, c := newTestMirror(t)
	r1, r2 := remoteEntity(1), remoteEntity(2)

	mustApply(t, m, &wire.WorldDiff{Tick: 1, Baseline: 1, Full: true, Spawns: []ecs.Entity{r1, r2}})
	own, err := m.SpawnLocal(ecs.With(c.secret, 1))
	if err != nil {
		t.Fatal(err)
	}

	mustApply(t, m, &wire.WorldDiff{Tick: 5, Baseline: 5, Full: true, Spawns: []ecs.Entity{r2}})
	if _, ok := m.Local(r1); ok {
		t.Error("entity missing from the snapshot should be gone")
	}
	if _, ok := m.Local(r2); !ok {
		t.Error("entity in the snapshot should stay")
	}
	if !m.World().Alive(own) {
		t.Error("snapshot removed a local entity")
	}

	m.Rebase()
	mustApply(t, m, &wire.WorldDiff{Tick: 1, Baseline: 1, Full: true})
	if len(m.Mapped()) != 0 {
		t.Errorf("expected empty mapping, got %v", m.Mapped())
	}
}

// TestMirrorValidation tests that an invalid diff leaves the mirror unchanged
func TestMirrorValidation(t *testing.T) {
	m, c := newTestMirror(t)
	r := remoteEntity(1)

	_, err := m.Apply(&wire.WorldDiff{
		Tick: 1, Baseline: 1, Full: true,
		Spawns:  []ecs.Entity{r},
		Upserts: []wire.Upsert{{Entity: r, Component: c.score.ID(), Value: "nope"}},
	})
	if !errors.Is(err, ecs.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if m.World().Len() != 0 || m.LastApplied() != 0 {
		t.Error("failed diff changed the mirror")
	}
}

// TestMirrorLocalEntities tests that server entities cannot be changed locally
func TestMirrorLocalEntities(t *testing.T) {
	m, c := newTestMirror(t)
	r := remoteEntity(1)
	mustApply(t, m, &wire.WorldDiff{Tick: 1, Baseline: 1, Full: true, Spawns: []ecs.Entity{r}})
	server, _ := m.Local(r)

	if err := m.SetLocal(server, c.score.ID(), int32(1)); !errors.Is(err, ErrServerOwned) {
		t.Errorf("set: expected ErrServerOwned, got %v", err)
	}
	if err := m.RemoveLocal(server, c.score.ID()); !errors.Is(err, ErrServerOwned) {
		t.Errorf("remove: expected ErrServerOwned, got %v", err)
	}
	if err := m.DespawnLocal(server); !errors.Is(err, ErrServerOwned) {
		t.Errorf("despawn: expected ErrServerOwned, got %v", err)
	}

	own, _ := m.SpawnLocal()
	if err := m.SetLocal(own, c.score.ID(), int32(2)); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Remote(own); ok {
		t.Error("local entity has a server mapping")
	}
	if err := m.DespawnLocal(own); err != nil {
		t.Fatal(err)
	}
}

// TestSubscription tests edge triggered notifications filtered by component
func TestSubscription(t *testing.T) {
	m, c := newTestMirror(t)
	r1, r2 := remoteEntity(1), remoteEntity(2)

	scores := m.Subscribe(Filter{Components: []ecs.ComponentID{c.score.ID()}})
	defer scores.Close()
	all := m.Subscribe(Filter{})
	defer all.Close()

	mustApply(t, m, &wire.WorldDiff{
		Tick: 1, Baseline: 1, Full: true,
		Spawns:  []ecs.Entity{r1, r2},
		Upserts: []wire.Upsert{{Entity: r1, Component: c.score.ID(), Value: int32(1)}, {Entity: r2, Component: c.name.ID(), Value: "b"}},
	})
	l1, _ := m.Local(r1)
	l2, _ := m.Local(r2)

	select {
	case <-scores.C():
	default:
		t.Fatal("expected a notification")
	}
	touched := slices.Collect(scores.Touched())
	if !slices.Equal(touched, []ecs.Entity{l1}) {
		t.Errorf("expected [%s], got %v", l1, touched)
	}
	if again := slices.Collect(scores.Touched()); !slices.Equal(again, touched) {
		t.Errorf("sequence not restartable: %v then %v", touched, again)
	}
	if got := slices.Collect(all.Touched()); len(got) != 2 {
		t.Errorf("expected both entities, got %v", got)
	}

	mustApply(t, m, &wire.WorldDiff{
		Tick: 2, Baseline: 1,
		Upserts: []wire.Upsert{{Entity: r2, Component: c.name.ID(), Value: "c"}},
	})
	select {
	case <-scores.C():
		t.Error("unrelated diff notified the score subscription")
	default:
	}
	if scores.Frame() != 2 {
		t.Errorf("expected frame 2, got %d", scores.Frame())
	}
	if got := slices.Collect(scores.Touched()); len(got) != 0 {
		t.Errorf("unmatched diff left stale entities %v", got)
	}
	if all.Frame() != 2 || !slices.Equal(slices.Collect(all.Touched()), []ecs.Entity{l2}) {
		t.Errorf("unexpected frame %d touched %v", all.Frame(), slices.Collect(all.Touched()))
	}

	mustApply(t, m, &wire.WorldDiff{Tick: 3, Baseline: 2, Despawns: []ecs.Entity{r1}})
	<-scores.C()
	if got := slices.Collect(scores.Touched()); !slices.Equal(got, []ecs.Entity{l1}) {
		t.Errorf("expected despawned entity, got %v", got)
	}
}

// TestMirrorEntityReferences tests that entity-valued components are translated to local handles
func TestMirrorEntityReferences(t *testing.T) {
	m, c := newTestMirror(t)
	own, err := m.SpawnLocal()
	if err != nil {
		t.Fatal(err)
	}

	r1, r2, hidden := remoteEntity(1), remoteEntity(2), remoteEntity(9)
	mustApply(t, m, &wire.WorldDiff{
		Tick: 1, Baseline: 1, Full: true,
		Spawns:  []ecs.Entity{r1, r2},
		Upserts: []wire.Upsert{{Entity: r2, Component: c.target.ID(), Value: r1}},
	})
	l1, _ := m.Local(r1)
	l2, _ := m.Local(r2)
	if l1 == r1 || l1 == own {
		t.Fatalf("test needs distinct index spaces, got local %s own %s", l1, own)
	}
	if got, _ := ecs.Get(m.World(), l2, c.target); got != l1 {
		t.Errorf("expected target %s, got %s", l1, got)
	}

	mustApply(t, m, &wire.WorldDiff{
		Tick: 2, Baseline: 1,
		Upserts: []wire.Upsert{{Entity: r2, Component: c.target.ID(), Value: hidden}},
	})
	if got, _ := ecs.Get(m.World(), l2, c.target); !got.IsZero() {
		t.Errorf("expected zero target for unmapped entity, got %s", got)
	}
}
