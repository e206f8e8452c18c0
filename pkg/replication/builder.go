// Package replication turns world changes into per-client diffs on the server
// and applies them to a mirror world on the client.
//
// Diffs are cumulative from the last tick a client acknowledged. A client that
// loses a datagram gets the same changes again in the next diff, and one that
// applies a diff twice ends in the same state, so loss costs latency but never
// causes drift. Entries leave a client's pending set once it acknowledges a
// tick that covers them.
package replication

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/QYUbit/worldsync/pkg/axlog"
	"github.com/QYUbit/worldsync/pkg/ecs"
	"github.com/QYUbit/worldsync/pkg/wire"
)

var (
	ErrUnknownClient = errors.New("unknown client")
	ErrVisibility    = errors.New("visibility check failed")
	ErrNoJournal     = errors.New("world has no change journal")
)

// Visibility decides whether an entity replicates to a client. It runs with
// the world read-locked and must only read through v.
type Visibility interface {
	IsVisible(v *ecs.View, client string, e ecs.Entity) (bool, error)
}

type VisibilityFunc func(v *ecs.View, client string, e ecs.Entity) (bool, error)

func (f VisibilityFunc) IsVisible(v *ecs.View, client string, e ecs.Entity) (bool, error) {
	return f(v, client, e)
}

type everyone struct{}

func (everyone) IsVisible(*ecs.View, string, ecs.Entity) (bool, error) {
	return true, nil
}

type BuilderOptions struct {
	Visibility Visibility
	// Heartbeat makes Build return an empty diff instead of nil when nothing
	// changed.
	Heartbeat bool
	// MaxPendingEntities bounds unacknowledged entity entries per client.
	// Beyond it the client is resynchronised with a snapshot.
	MaxPendingEntities int
	Logger             axlog.Logger
}

var DefaultBuilderOptions = BuilderOptions{
	MaxPendingEntities: 4096,
}

// ==================================================================
// Pending state
// ==================================================================

// compChange is the net change of one component since the client's baseline.
type compChange struct {
	present        bool
	existedAtStart bool
	start          any
	// sent is set once any diff carried this component, after which the
	// client may hold a value other than start.
	sent bool
}

func (c *compChange) fold(rec ecs.ChangeRecord, fresh bool) {
	switch rec.Op {
	case ecs.OpAdd:
		if fresh {
			c.existedAtStart = false
		}
		c.present = true
	case ecs.OpUpdate:
		if fresh {
			c.existedAtStart = true
			c.start = rec.Prev
		}
		c.present = true
	case ecs.OpRemove:
		if fresh {
			c.existedAtStart = true
			c.start = rec.Prev
		}
		c.present = false
	}
}

// pendingEntity is everything the client has not acknowledged about one
// entity.
type pendingEntity struct {
	// inBase: the client held the entity at its acknowledged baseline.
	inBase      bool
	sentPresent bool
	sentAbsent  bool

	lastTouch         uint64
	rendered          bool
	renderedPresent   bool
	presenceChangedAt uint64

	comps map[ecs.ComponentID]*compChange
}

type clientState struct {
	mu sync.Mutex

	id      string
	cursor  *ecs.Cursor
	pending map[ecs.Entity]*pendingEntity
	// known holds the entities the client has at its acknowledged baseline.
	known   map[ecs.Entity]struct{}
	invalid map[ecs.Entity]struct{}

	acked     uint64
	lastBuilt uint64
	resync    bool
}

func (cs *clientState) entry(e ecs.Entity, tick uint64) *pendingEntity {
	pe, ok := cs.pending[e]
	if !ok {
		_, inBase := cs.known[e]
		pe = &pendingEntity{inBase: inBase, comps: make(map[ecs.ComponentID]*compChange)}
		cs.pending[e] = pe
	}
	pe.lastTouch = tick
	return pe
}

// retire drops entries the client acknowledged.
func (cs *clientState) retire() {
	for e, pe := range cs.pending {
		if !pe.rendered || cs.acked < pe.lastTouch || cs.acked < pe.presenceChangedAt {
			continue
		}
		if pe.renderedPresent {
			cs.known[e] = struct{}{}
		} else {
			delete(cs.known, e)
		}
		delete(cs.pending, e)
	}
}

// ==================================================================
// Builder
// ==================================================================

// Builder computes per-client diffs from the world's change journal. Each
// client owns a journal cursor; Build drains it.
type Builder struct {
	world  *ecs.World
	opts   BuilderOptions
	logger axlog.Logger

	mu      sync.RWMutex
	clients map[string]*clientState
}

func NewBuilder(world *ecs.World, opts BuilderOptions) (*Builder, error) {
	if world.Journal() == nil {
		return nil, ErrNoJournal
	}
	if opts.Visibility == nil {
		opts.Visibility = everyone{}
	}
	if opts.MaxPendingEntities <= 0 {
		opts.MaxPendingEntities = DefaultBuilderOptions.MaxPendingEntities
	}
	return &Builder{
		world:   world,
		opts:    opts,
		logger:  axlog.OrNop(opts.Logger),
		clients: make(map[string]*clientState),
	}, nil
}

// AddClient registers a recipient. Its first diff is a full snapshot.
func (b *Builder) AddClient(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.clients[id]; ok {
		b.world.Journal().Release(old.cursor)
	}
	b.clients[id] = &clientState{
		id:      id,
		cursor:  b.world.Journal().NewCursor(),
		pending: make(map[ecs.Entity]*pendingEntity),
		known:   make(map[ecs.Entity]struct{}),
		invalid: make(map[ecs.Entity]struct{}),
		resync:  true,
	}
}

// RemoveClient drops a recipient and releases its cursor.
func (b *Builder) RemoveClient(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cs, ok := b.clients[id]; ok {
		b.world.Journal().Release(cs.cursor)
		delete(b.clients, id)
	}
}

func (b *Builder) client(id string) (*clientState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cs, ok := b.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return cs, nil
}

// Clients lists registered recipients in sorted order.
func (b *Builder) Clients() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.clients))
}

// Resync makes the next diff for id a full snapshot.
func (b *Builder) Resync(id string) error {
	cs, err := b.client(id)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	cs.resync = true
	cs.mu.Unlock()
	return nil
}

// Ack records that the client applied every diff up to tick.
func (b *Builder) Ack(id string, tick uint64) error {
	cs, err := b.client(id)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if tick > cs.lastBuilt {
		return fmt.Errorf("ack for tick %d ahead of last built %d", tick, cs.lastBuilt)
	}
	if tick <= cs.acked {
		return nil
	}
	cs.acked = tick
	cs.retire()
	return nil
}

// Invalidate asks for e to be re-evaluated for id on the next build even if
// it did not change, for example after the client's interest moved.
func (b *Builder) Invalidate(id string, e ecs.Entity) error {
	cs, err := b.client(id)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	cs.invalid[e] = struct{}{}
	cs.mu.Unlock()
	return nil
}

// Pending reports how many entities wait for acknowledgement by id.
func (b *Builder) Pending(id string) int {
	cs, err := b.client(id)
	if err != nil {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.pending)
}

// Acked returns the last tick id acknowledged.
func (b *Builder) Acked(id string) uint64 {
	cs, err := b.client(id)
	if err != nil {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.acked
}

// Build drains the client's journal cursor and returns the diff for the
// current world tick, or nil when there is nothing to send. Each tick must be
// built at most once per client. A visibility error fails only this build and
// keeps the client's state for the next one.
func (b *Builder) Build(id string) (*wire.WorldDiff, error) {
	cs, err := b.client(id)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	var diff *wire.WorldDiff
	b.world.View(func(v *ecs.View) {
		tick := v.Tick()
		if tick <= cs.lastBuilt {
			err = fmt.Errorf("tick %d already built for %s", tick, id)
			return
		}

		b.fold(v, cs, tick)
		if len(cs.pending) > b.opts.MaxPendingEntities && !cs.resync {
			b.logger.Warn("pending state overflow, resynchronising", "client", id, "pending", len(cs.pending))
			cs.resync = true
		}

		if cs.resync {
			diff, err = b.snapshot(v, cs, tick)
		} else {
			diff, err = b.delta(v, cs, tick)
		}
		if err == nil {
			cs.lastBuilt = tick
		}
	})
	if err != nil {
		return nil, err
	}

	if diff.Empty() && !diff.Full && !b.opts.Heartbeat {
		return nil, nil
	}
	return diff, nil
}

func (b *Builder) fold(v *ecs.View, cs *clientState, tick uint64) {
	reg := v.Registry()

	for _, rec := range b.world.Journal().Drain(cs.cursor) {
		if cs.resync {
			continue
		}

		switch rec.Op {
		case ecs.OpSpawn, ecs.OpDespawn:
			cs.entry(rec.Entity, tick)
			continue
		}

		if rec.Component == ecs.NoSyncID {
			cs.entry(rec.Entity, tick)
			continue
		}
		desc, ok := reg.Lookup(rec.Component)
		if !ok || !desc.Networked {
			continue
		}

		pe := cs.entry(rec.Entity, tick)
		c, exists := pe.comps[rec.Component]
		if !exists {
			c = &compChange{}
			pe.comps[rec.Component] = c
		}
		c.fold(rec, !exists)
	}

	for e := range cs.invalid {
		if !cs.resync {
			cs.entry(e, tick)
		}
	}
	clear(cs.invalid)
}

func (b *Builder) visible(v *ecs.View, client string, e ecs.Entity) (bool, error) {
	if !v.Alive(e) || v.Has(e, ecs.NoSyncID) {
		return false, nil
	}
	ok, err := b.opts.Visibility.IsVisible(v, client, e)
	if err != nil {
		return false, fmt.Errorf("%w: entity %s: %w", ErrVisibility, e, err)
	}
	return ok, nil
}

// networked appends the networked components of e in ascending id order.
func networked(v *ecs.View, e ecs.Entity, dst []wire.Upsert) []wire.Upsert {
	values, err := v.Snapshot(e)
	if err != nil {
		return dst
	}
	reg := v.Registry()
	for _, cv := range values {
		if desc, ok := reg.Lookup(cv.ID); ok && desc.Networked {
			dst = append(dst, wire.Upsert{Entity: e, Component: cv.ID, Value: cv.Value})
		}
	}
	return dst
}

func anySent(pe *pendingEntity) bool {
	for _, c := range pe.comps {
		if c.sent {
			return true
		}
	}
	return false
}

func compareEntities(a, b ecs.Entity) int {
	if c := cmp.Compare(a.Index, b.Index); c != 0 {
		return c
	}
	return cmp.Compare(a.Generation, b.Generation)
}

// delta renders every pending entry. Visibility is evaluated for all entries
// before any state changes, so a failing hook leaves the client untouched.
func (b *Builder) delta(v *ecs.View, cs *clientState, tick uint64) (*wire.WorldDiff, error) {
	entities := slices.SortedFunc(maps.Keys(cs.pending), compareEntities)

	present := make([]bool, len(entities))
	for i, e := range entities {
		ok, err := b.visible(v, cs.id, e)
		if err != nil {
			return nil, err
		}
		present[i] = ok
	}

	diff := &wire.WorldDiff{Tick: tick, Baseline: cs.acked}
	reg := v.Registry()

	for i, e := range entities {
		pe := cs.pending[e]

		if !pe.rendered || pe.renderedPresent != present[i] {
			pe.presenceChangedAt = tick
		}
		pe.rendered = true
		pe.renderedPresent = present[i]

		if !present[i] {
			if pe.inBase || pe.sentPresent {
				diff.Despawns = append(diff.Despawns, e)
				pe.sentAbsent = true
			} else {
				delete(cs.pending, e)
			}
			continue
		}

		full := !pe.inBase || pe.sentAbsent
		emitted := full
		if full {
			diff.Spawns = append(diff.Spawns, e)
			diff.Upserts = networked(v, e, diff.Upserts)
		}

		ids := slices.Sorted(maps.Keys(pe.comps))
		for _, id := range ids {
			c := pe.comps[id]
			if !c.present {
				if !full && (c.sent || (pe.inBase && c.existedAtStart)) {
					diff.Removes = append(diff.Removes, wire.Removal{Entity: e, Component: id})
					c.sent = true
					emitted = true
				}
				continue
			}
			if full {
				c.sent = true
				continue
			}

			value, err := v.Get(e, id)
			if err != nil {
				continue
			}
			if !c.sent && c.existedAtStart {
				if desc, ok := reg.Lookup(id); ok && desc.Equal(c.start, value) {
					continue
				}
			}
			diff.Upserts = append(diff.Upserts, wire.Upsert{Entity: e, Component: id, Value: value})
			c.sent = true
			emitted = true
		}

		switch {
		case emitted:
			pe.sentPresent = true
		case !pe.sentPresent && !pe.sentAbsent && !anySent(pe):
			// The client already matches this entity.
			delete(cs.pending, e)
		}
	}
	return diff, nil
}

// snapshot renders the full visible state and makes it the client's new
// baseline. Snapshots travel on the reliable lane, so the baseline is taken
// as delivered.
func (b *Builder) snapshot(v *ecs.View, cs *clientState, tick uint64) (*wire.WorldDiff, error) {
	var entities []ecs.Entity
	var err error
	v.Each(func(e ecs.Entity) bool {
		var ok bool
		if ok, err = b.visible(v, cs.id, e); err != nil {
			return false
		}
		if ok {
			entities = append(entities, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entities, compareEntities)

	diff := &wire.WorldDiff{Tick: tick, Baseline: tick, Full: true, Spawns: entities}
	clear(cs.known)
	for _, e := range entities {
		diff.Upserts = networked(v, e, diff.Upserts)
		cs.known[e] = struct{}{}
	}

	clear(cs.pending)
	cs.acked = tick
	cs.resync = false
	return diff, nil
}
