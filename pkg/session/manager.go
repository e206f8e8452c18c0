package session

import (
	"context"
	"errors"
	"sync"

	"github.com/QYUbit/worldsync/pkg/axlog"
	"github.com/QYUbit/worldsync/pkg/transport"
)

// The Manager accepts peers and keeps established sessions keyed by client
// id. Faulted and closed sessions leave the set before the user hooks run.
type Manager struct {
	cfg    Config
	logger axlog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
	}

	user := cfg.Hooks
	cfg.Hooks.OnEstablished = func(s *Session) {
		m.add(s)
		if user.OnEstablished != nil {
			user.OnEstablished(s)
		}
	}
	cfg.Hooks.OnFaulted = func(s *Session, err error) {
		m.remove(s)
		if user.OnFaulted != nil {
			user.OnFaulted(s, err)
		}
	}
	cfg.Hooks.OnClosed = func(s *Session) {
		m.remove(s)
		if user.OnClosed != nil {
			user.OnClosed(s)
		}
	}
	m.cfg = cfg
	return m
}

func (m *Manager) add(s *Session) {
	m.mu.Lock()
	old := m.sessions[s.ID()]
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	if old != nil && old != s {
		m.logger.Info("client reconnected, closing previous session", "id", s.ID())
		go old.Fault(errors.New("replaced by a newer session"))
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ID()] == s {
		delete(m.sessions, s.ID())
	}
	m.mu.Unlock()
}

// Get returns the established session of a client.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Serve accepts peers from l until ctx ends or l is closed. Each peer runs in
// its own goroutine. Serve waits for them before returning.
func (m *Manager) Serve(ctx context.Context, l transport.Listener) error {
	defer m.wg.Wait()

	for {
		peer, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.logger.Debug("context cancelled, stopping accept loop")
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			m.logger.Error("failed to accept peer", "error", err)
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handle(ctx, peer)
		}()
	}
}

func (m *Manager) handle(ctx context.Context, peer transport.Peer) {
	s := newSession(peer, m.cfg, RoleServer)
	if err := s.Run(ctx); err != nil {
		m.logger.Debug("session ended", "id", s.ID(), "error", err)
	}
}

// CloseAll gracefully closes every established session.
func (m *Manager) CloseAll(ctx context.Context) (lastErr error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, s := range m.Sessions() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return
}

// Dial connects to a server and returns once the session is established. The
// session keeps running in the background until it is closed or faults.
func Dial(ctx context.Context, d transport.Dialer, cfg Config) (*Session, error) {
	peer, err := d.Dial(ctx)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	s := newSession(peer, cfg, RoleClient)
	go func() {
		_ = s.Run(context.WithoutCancel(ctx))
	}()

	select {
	case <-s.Established():
		return s, nil
	case <-s.Done():
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, ErrSessionClosed
	case <-ctx.Done():
		s.closePeer(transport.CloseGoingAway, "dial cancelled")
		<-s.Done()
		return nil, ctx.Err()
	}
}
