package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/QYUbit/worldsync/pkg/axlog"
	"github.com/QYUbit/worldsync/pkg/ecs"
	"github.com/QYUbit/worldsync/pkg/session"
	"github.com/QYUbit/worldsync/pkg/wire"
	"golang.org/x/sync/errgroup"
)

type ReplicatorOptions struct {
	Builder BuilderOptions
	// Parallelism bounds concurrent diff builds in Flush. Zero or less means
	// no bound.
	Parallelism int
	Logger      axlog.Logger
}

// The Replicator feeds established sessions from a world. It is driven by the
// game loop: mutate the world, then call Flush once per tick.
type Replicator struct {
	world   *ecs.World
	builder *Builder
	opts    ReplicatorOptions
	logger  axlog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewReplicator(world *ecs.World, opts ReplicatorOptions) (*Replicator, error) {
	logger := axlog.OrNop(opts.Logger)
	if opts.Builder.Logger == nil {
		opts.Builder.Logger = logger
	}

	builder, err := NewBuilder(world, opts.Builder)
	if err != nil {
		return nil, err
	}
	return &Replicator{
		world:    world,
		builder:  builder,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*session.Session),
	}, nil
}

func (r *Replicator) Builder() *Builder {
	return r.builder
}

// Hooks returns session hooks that attach established sessions to the
// replicator, then call the matching hook of next.
func (r *Replicator) Hooks(next session.Hooks) session.Hooks {
	h := next
	h.OnEstablished = func(s *session.Session) {
		r.Attach(s)
		if next.OnEstablished != nil {
			next.OnEstablished(s)
		}
	}
	h.OnFaulted = func(s *session.Session, err error) {
		r.Detach(s)
		if next.OnFaulted != nil {
			next.OnFaulted(s, err)
		}
	}
	h.OnClosed = func(s *session.Session) {
		r.Detach(s)
		if next.OnClosed != nil {
			next.OnClosed(s)
		}
	}
	h.OnAck = func(s *session.Session, tick uint64) {
		if !r.current(s) {
			return
		}
		if err := r.builder.Ack(s.ID(), tick); err != nil {
			r.logger.Warn("rejected ack", "client", s.ID(), "tick", tick, "error", err)
		}
		if next.OnAck != nil {
			next.OnAck(s, tick)
		}
	}
	h.OnResyncRequest = func(s *session.Session, req wire.ResyncRequest) {
		if !r.current(s) {
			return
		}
		r.logger.Info("client requested resync", "client", s.ID(), "last_applied", req.LastApplied)
		_ = r.builder.Resync(s.ID())
		if next.OnResyncRequest != nil {
			next.OnResyncRequest(s, req)
		}
	}
	return h
}

// Attach starts replicating to s. Its first diff is a full snapshot. A
// session with the id of an attached one replaces it.
func (r *Replicator) Attach(s *session.Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.builder.AddClient(s.ID())
	r.mu.Unlock()

	r.logger.Debug("client attached", "client", s.ID())
}

// Detach stops replicating to s. It does nothing if s was already replaced.
func (r *Replicator) Detach(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ID()] != s {
		return
	}
	delete(r.sessions, s.ID())
	r.builder.RemoveClient(s.ID())
	r.logger.Debug("client detached", "client", s.ID())
}

func (r *Replicator) current(s *session.Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[s.ID()] == s
}

func (r *Replicator) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Flush builds and queues one diff per attached session for the current
// tick, compacts the journal and advances the tick. Failures are per client:
// one client's error never keeps the others from receiving their diff. The
// returned error joins them. ctx is checked once before any diff is built;
// a started flush always completes so the tick advances exactly once.
func (r *Replicator) Flush(ctx context.Context) (uint64, error) {
	tick := r.world.Tick()
	if err := ctx.Err(); err != nil {
		return tick, err
	}

	r.mu.RLock()
	targets := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	if r.opts.Parallelism > 0 {
		g.SetLimit(r.opts.Parallelism)
	}
	for _, s := range targets {
		g.Go(func() error {
			if err := r.flush(s); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("client %s: %w", s.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.world.Journal().Compact()
	r.world.AdvanceTick()
	return tick, errors.Join(errs...)
}

func (r *Replicator) flush(s *session.Session) error {
	diff, err := r.builder.Build(s.ID())
	if err != nil {
		if errors.Is(err, ErrUnknownClient) {
			return nil
		}
		r.logger.Warn("failed to build diff", "client", s.ID(), "error", err)
		return err
	}
	if diff == nil {
		return nil
	}

	codec := wire.DiffCodec{Registry: r.world.Registry(), Prefixed: s.Tolerant()}
	frame, err := codec.EncodeFrame(diff)
	if err != nil {
		r.logger.Error("failed to encode diff", "client", s.ID(), "error", err)
		return err
	}
	if err := s.SendDiff(frame, diff.Full); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return nil
		}
		return err
	}
	return nil
}
