package replication

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/QYUbit/worldsync/pkg/axlog"
	"github.com/QYUbit/worldsync/pkg/ecs"
	"github.com/QYUbit/worldsync/pkg/wire"
)

var ErrServerOwned = errors.New("entity is owned by the server")

type MirrorOptions struct {
	InitialCapacity int
	Logger          axlog.Logger
}

var DefaultMirrorOptions = MirrorOptions{
	InitialCapacity: 1024,
}

// The Mirror is the client's copy of the replicated world. Server entities
// are mapped to local ones; entities created with SpawnLocal never leave the
// client and are never touched by diffs.
type Mirror struct {
	world  *ecs.World
	logger axlog.Logger

	mu          sync.RWMutex
	toLocal     map[ecs.Entity]ecs.Entity
	toRemote    map[ecs.Entity]ecs.Entity
	lastApplied uint64
	frame       uint64

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

func NewMirror(registry *ecs.Registry, opts MirrorOptions) *Mirror {
	if opts.InitialCapacity <= 0 {
		opts.InitialCapacity = DefaultMirrorOptions.InitialCapacity
	}
	logger := axlog.OrNop(opts.Logger)
	return &Mirror{
		world: ecs.NewWorldWithOptions(registry, ecs.WorldOptions{
			InitialCapacity: opts.InitialCapacity,
			Logger:          logger,
		}),
		logger:   logger,
		toLocal:  make(map[ecs.Entity]ecs.Entity),
		toRemote: make(map[ecs.Entity]ecs.Entity),
		subs:     make(map[*Subscription]struct{}),
	}
}

// World is the mirrored world. Reads are always safe. Mutate server-owned
// entities only through diffs and local ones through the *Local methods.
// Waiters registered on it fire while a diff is applied and must not call
// back into the Mirror.
func (m *Mirror) World() *ecs.World {
	return m.world
}

func (m *Mirror) LastApplied() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastApplied
}

// Frame counts applied diffs.
func (m *Mirror) Frame() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frame
}

// Local translates a server entity.
func (m *Mirror) Local(remote ecs.Entity) (ecs.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.toLocal[remote]
	return e, ok
}

// Remote translates a local entity back to the server's handle.
func (m *Mirror) Remote(local ecs.Entity) (ecs.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.toRemote[local]
	return e, ok
}

// Mapped returns a copy of the translation table, server entity to local.
func (m *Mirror) Mapped() map[ecs.Entity]ecs.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.toLocal)
}

// Rebase forgets the last applied tick so the next snapshot is accepted even
// if its tick is older, as after reconnecting to a restarted server. Mapped
// entities stay until that snapshot reconciles them.
func (m *Mirror) Rebase() {
	m.mu.Lock()
	m.lastApplied = 0
	m.mu.Unlock()
}

// ==================================================================
// Apply
// ==================================================================

type touchSet map[ecs.Entity]map[ecs.ComponentID]struct{}

func (t touchSet) add(e ecs.Entity, ids ...ecs.ComponentID) {
	set, ok := t[e]
	if !ok {
		set = make(map[ecs.ComponentID]struct{})
		t[e] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

func (m *Mirror) validate(d *wire.WorldDiff) error {
	reg := m.world.Registry()
	for _, u := range d.Upserts {
		desc, ok := reg.Lookup(u.Component)
		if !ok {
			return &ecs.ValidationError{Op: "apply", Entity: u.Entity, Component: u.Component, Err: ecs.ErrUnknownComponent}
		}
		if !desc.Accepts(u.Value) {
			return &ecs.ValidationError{Op: "apply", Entity: u.Entity, Component: u.Component, Err: ecs.ErrTypeMismatch}
		}
	}
	for _, r := range d.Removes {
		if _, ok := reg.Lookup(r.Component); !ok {
			return &ecs.ValidationError{Op: "apply", Entity: r.Entity, Component: r.Component, Err: ecs.ErrUnknownComponent}
		}
	}
	return nil
}

// Apply applies a diff in one world batch: spawns, upserts, removes, then
// despawns. It reports false for diffs that are stale or whose baseline the
// mirror has not reached yet; both are safe to drop. Readers never observe
// a partially applied diff.
func (m *Mirror) Apply(d *wire.WorldDiff) (bool, error) {
	m.mu.Lock()

	if d.Tick <= m.lastApplied {
		m.mu.Unlock()
		return false, nil
	}
	if !d.Full && d.Baseline > m.lastApplied {
		m.mu.Unlock()
		m.logger.Debug("dropping diff ahead of applied baseline", "tick", d.Tick, "baseline", d.Baseline, "applied", m.lastApplied)
		return false, nil
	}
	if err := m.validate(d); err != nil {
		m.mu.Unlock()
		return false, err
	}

	touched := make(touchSet)
	err := m.world.Batch(func(tx *ecs.Txn) error {
		return m.apply(tx, d, touched)
	})
	if err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("apply diff %d: %w", d.Tick, err)
	}
	m.lastApplied = d.Tick
	m.frame++
	frame := m.frame
	m.mu.Unlock()

	m.notify(frame, touched)
	return true, nil
}

// resolve returns the live local entity of remote.
func (m *Mirror) resolve(tx *ecs.Txn, remote ecs.Entity) (ecs.Entity, bool) {
	local, ok := m.toLocal[remote]
	if !ok {
		return ecs.Entity{}, false
	}
	if !tx.Alive(local) {
		m.unmap(remote)
		return ecs.Entity{}, false
	}
	return local, true
}

// localRef translates an entity reference held in a component value. Targets
// the mirror does not hold become the zero Entity.
func (m *Mirror) localRef(tx *ecs.Txn, remote ecs.Entity) ecs.Entity {
	if remote.IsZero() {
		return remote
	}
	local, ok := m.resolve(tx, remote)
	if !ok {
		return ecs.Entity{}
	}
	return local
}

func (m *Mirror) unmap(remote ecs.Entity) {
	if local, ok := m.toLocal[remote]; ok {
		delete(m.toRemote, local)
		delete(m.toLocal, remote)
	}
}

func (m *Mirror) despawn(tx *ecs.Txn, remote ecs.Entity, touched touchSet) error {
	local, ok := m.resolve(tx, remote)
	if !ok {
		return nil
	}
	touched.add(local, tx.Components(local)...)
	m.unmap(remote)
	return tx.Despawn(local)
}

func (m *Mirror) apply(tx *ecs.Txn, d *wire.WorldDiff, touched touchSet) error {
	if d.Full {
		keep := make(map[ecs.Entity]struct{}, len(d.Spawns))
		for _, e := range d.Spawns {
			keep[e] = struct{}{}
		}
		for _, remote := range slices.Collect(maps.Keys(m.toLocal)) {
			if _, ok := keep[remote]; ok {
				continue
			}
			if err := m.despawn(tx, remote, touched); err != nil {
				return err
			}
		}
	}

	for _, remote := range d.Spawns {
		local, ok := m.resolve(tx, remote)
		if ok {
			// A spawn carries the full state, so whatever the entity held
			// before is replaced.
			for _, id := range tx.Components(local) {
				touched.add(local, id)
				if err := tx.Remove(local, id); err != nil {
					return err
				}
			}
		} else {
			local = tx.Spawn()
			m.toLocal[remote] = local
			m.toRemote[local] = remote
		}
		touched.add(local)
	}

	reg := m.world.Registry()
	for _, u := range d.Upserts {
		local, ok := m.resolve(tx, u.Entity)
		if !ok {
			m.logger.Debug("upsert for unmapped entity", "entity", u.Entity, "component", u.Component)
			continue
		}
		value := u.Value
		if desc, _ := reg.Lookup(u.Component); desc.Kind == ecs.KindEntity {
			value = m.localRef(tx, value.(ecs.Entity))
		}
		if err := tx.Set(local, u.Component, value); err != nil {
			return err
		}
		touched.add(local, u.Component)
	}

	for _, r := range d.Removes {
		local, ok := m.resolve(tx, r.Entity)
		if !ok {
			continue
		}
		if err := tx.Remove(local, r.Component); err != nil {
			return err
		}
		touched.add(local, r.Component)
	}

	for _, remote := range d.Despawns {
		if err := m.despawn(tx, remote, touched); err != nil {
			return err
		}
	}
	return nil
}

// ==================================================================
// Local entities
// ==================================================================

func (m *Mirror) owned(e ecs.Entity) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.toRemote[e]
	return ok
}

// SpawnLocal creates a client-only entity.
func (m *Mirror) SpawnLocal(values ...ecs.ComponentValue) (ecs.Entity, error) {
	return m.world.SpawnWith(values...)
}

func (m *Mirror) SetLocal(e ecs.Entity, id ecs.ComponentID, value any) error {
	if m.owned(e) {
		return &ecs.ValidationError{Op: "set", Entity: e, Component: id, Err: ErrServerOwned}
	}
	return m.world.Set(e, id, value)
}

func (m *Mirror) RemoveLocal(e ecs.Entity, id ecs.ComponentID) error {
	if m.owned(e) {
		return &ecs.ValidationError{Op: "remove", Entity: e, Component: id, Err: ErrServerOwned}
	}
	return m.world.Remove(e, id)
}

func (m *Mirror) DespawnLocal(e ecs.Entity) error {
	if m.owned(e) {
		return &ecs.ValidationError{Op: "despawn", Entity: e, Err: ErrServerOwned}
	}
	return m.world.Despawn(e)
}

// ==================================================================
// Subscriptions
// ==================================================================

// Filter selects the entities a subscription reports. An empty filter matches
// everything. Entities are local handles. With Components set, an entity
// matches when the diff touched one of those components on it.
type Filter struct {
	Entities   []ecs.Entity
	Components []ecs.ComponentID
}

func (f Filter) match(e ecs.Entity, ids map[ecs.ComponentID]struct{}) bool {
	if len(f.Entities) > 0 && !slices.Contains(f.Entities, e) {
		return false
	}
	if len(f.Components) == 0 {
		return true
	}
	for _, id := range f.Components {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

// A Subscription reports the entities of the most recently applied diff that
// match its filter. C fires once per diff with at least one match; a consumer
// that falls behind sees only the latest diff, which may match nothing.
type Subscription struct {
	m      *Mirror
	filter Filter
	ch     chan struct{}

	mu      sync.Mutex
	frame   uint64
	touched []ecs.Entity
}

func (m *Mirror) Subscribe(f Filter) *Subscription {
	s := &Subscription{
		m:      m,
		filter: f,
		ch:     make(chan struct{}, 1),
	}
	m.subMu.Lock()
	m.subs[s] = struct{}{}
	m.subMu.Unlock()
	return s
}

func (s *Subscription) Close() {
	s.m.subMu.Lock()
	delete(s.m.subs, s)
	s.m.subMu.Unlock()
}

func (s *Subscription) C() <-chan struct{} {
	return s.ch
}

// Frame is the mirror frame Touched refers to, zero before the first diff.
func (s *Subscription) Frame() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Touched yields the matching entities of the latest applied diff in
// ascending order. The sequence can be ranged over any number of times.
// Despawned entities are included; check Alive to tell them apart.
func (s *Subscription) Touched() iter.Seq[ecs.Entity] {
	s.mu.Lock()
	list := s.touched
	s.mu.Unlock()

	return func(yield func(ecs.Entity) bool) {
		for _, e := range list {
			if !yield(e) {
				return
			}
		}
	}
}

func (s *Subscription) deliver(frame uint64, touched touchSet) {
	var list []ecs.Entity
	for e, ids := range touched {
		if s.filter.match(e, ids) {
			list = append(list, e)
		}
	}
	slices.SortFunc(list, compareEntities)

	s.mu.Lock()
	if frame < s.frame {
		s.mu.Unlock()
		return
	}
	s.frame = frame
	s.touched = list
	s.mu.Unlock()

	if len(list) == 0 {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (m *Mirror) notify(frame uint64, touched touchSet) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for s := range m.subs {
		s.deliver(frame, touched)
	}
}
