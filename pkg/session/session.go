// Package session runs the per-connection protocol: the handshake, a
// prioritised outbound queue and the loops that move frames between a
// transport.Peer and the replication layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QYUbit/worldsync/pkg/axlog"
	"github.com/QYUbit/worldsync/pkg/transport"
	"github.com/QYUbit/worldsync/pkg/wire"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateEstablished
	StateDraining
	StateFaulted
	StateClosed
)

var stateNames = [...]string{"connecting", "handshaking", "established", "draining", "faulted", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// errRemoteClosed stops the read loop after a Disconnect frame.
var errRemoteClosed = errors.New("remote closed")

// The Session wraps a low level peer. Hooks may be called concurrently from
// the stream loop and the datagram loop.
type Session struct {
	id     string
	role   Role
	peer   transport.Peer
	cfg    Config
	hooks  Hooks
	logger axlog.Logger
	queue  *sendQueue

	state    atomic.Int32
	closing  atomic.Bool
	lastSeen atomic.Int64

	remote   wire.Handshake
	tolerant bool

	faultOnce     sync.Once
	closePeerOnce sync.Once
	errMu         sync.Mutex
	err           error

	established chan struct{}
	stop        chan struct{}
	done        chan struct{}

	data sync.Map
}

func newSession(peer transport.Peer, cfg Config, role Role) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:          cfg.ClientID,
		role:        role,
		peer:        peer,
		cfg:         cfg,
		hooks:       cfg.Hooks,
		logger:      cfg.Logger.With("role", role.String(), "remote", peer.RemoteAddr().String()),
		queue:       newSendQueue(cfg),
		established: make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

// ==================================================================
// Accessors
// ==================================================================

// ID is the client id. On the server it is known once the handshake completed.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Tolerant reports whether the handshake accepted a schema mismatch.
func (s *Session) Tolerant() bool {
	return s.tolerant
}

// Remote returns the peer's handshake.
func (s *Session) Remote() wire.Handshake {
	return s.remote
}

func (s *Session) Peer() transport.Peer {
	return s.peer
}

func (s *Session) Logger() axlog.Logger {
	return s.logger
}

// Established is closed once the handshake succeeded.
func (s *Session) Established() <-chan struct{} {
	return s.established
}

// Done is closed after the session reached StateClosed and OnClosed returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the fault that ended the session, or the peer's disconnect
// reason. It is nil after a local graceful close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// MaxDatagramSize is the largest frame that travels unreliably.
func (s *Session) MaxDatagramSize() int {
	return s.peer.MaxDatagramSize()
}

type Stats struct {
	State             State
	QueuedControl     int
	QueuedReliable    int
	QueuedUnreliable  int
	DroppedUnreliable uint64
}

func (s *Session) Stats() Stats {
	c, r, u := s.queue.lens()
	return Stats{
		State:             s.State(),
		QueuedControl:     c,
		QueuedReliable:    r,
		QueuedUnreliable:  u,
		DroppedUnreliable: s.queue.droppedCount(),
	}
}

// ==================================================================
// Store
// ==================================================================

// Set sets a value in the session's store.
func (s *Session) Set(key string, value any) {
	s.data.Store(key, value)
}

// Get retrieves a value from the session's store.
func (s *Session) Get(key string) (any, bool) {
	return s.data.Load(key)
}

// Delete deletes a key value pair from the session's store.
func (s *Session) Delete(key string) {
	s.data.Delete(key)
}

// ==================================================================
// Lifecycle
// ==================================================================

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) stopping() bool {
	return s.closing.Load() || s.State() >= StateDraining
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Session) closePeer(code transport.CloseCode, reason string) {
	s.closePeerOnce.Do(func() {
		s.closing.Store(true)
		close(s.stop)
		if err := s.peer.Close(code, reason); err != nil {
			s.logger.Debug("failed to close peer", "error", err)
		}
	})
}

func closeCodeFor(err error) transport.CloseCode {
	var ce *wire.CodecError
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return transport.CloseCapacityExceeded
	case errors.As(err, &ce), errors.Is(err, ErrUnexpectedFrame), errors.Is(err, ErrHandshakeTimeout):
		return transport.CloseProtocolError
	}
	return transport.CloseInternalError
}

// Fault marks the session Faulted, closes the peer and fires OnFaulted. Only
// the first call has an effect, and none after a graceful close finished.
func (s *Session) Fault(err error) error {
	if s.State() == StateClosed {
		return err
	}
	s.faultOnce.Do(func() {
		s.setErr(err)
		s.setState(StateFaulted)
		s.logger.Warn("session faulted", "id", s.id, "error", err)

		s.queue.close()
		s.closePeer(closeCodeFor(err), err.Error())

		if s.hooks.OnFaulted != nil {
			s.hooks.OnFaulted(s, err)
		}
	})
	return err
}

// Close drains queued frames, tells the peer and closes the connection. If
// ctx ends first the peer is closed without waiting.
func (s *Session) Close(ctx context.Context) error {
	if s.state.CompareAndSwap(int32(StateEstablished), int32(StateDraining)) {
		frame := wire.AppendFrame(nil, wire.FrameDisconnect, wire.Disconnect{
			Code:   uint64(transport.CloseNormal),
			Reason: "closed",
		}.Encode())
		_ = s.queue.pushControl(frame)
		s.queue.close()
	} else {
		s.closing.Store(true)
		s.closePeer(transport.CloseNormal, "closed")
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.closePeer(transport.CloseGoingAway, "drain timeout")
		<-s.done
		return ctx.Err()
	}
}

func (s *Session) finish() {
	s.queue.close()
	s.closePeer(transport.CloseNormal, "")
	s.setState(StateClosed)

	s.logger.Debug("session closed", "id", s.id, "error", s.Err())
	if s.hooks.OnClosed != nil {
		s.hooks.OnClosed(s)
	}
	close(s.done)
}

// Run performs the handshake and then serves the connection until it closes.
// It returns the fault that ended the session, if any.
func (s *Session) Run(ctx context.Context) error {
	defer s.finish()

	stopAfter := context.AfterFunc(ctx, func() {
		s.closePeer(transport.CloseGoingAway, "shutting down")
	})
	defer stopAfter()

	if err := s.handshake(); err != nil {
		if s.closing.Load() && !errors.Is(err, ErrHandshakeTimeout) {
			return nil
		}
		return s.Fault(err)
	}

	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateEstablished)) {
		return s.Err()
	}
	close(s.established)
	s.logger.Debug("session established", "id", s.id, "tolerant", s.tolerant)

	if s.hooks.OnEstablished != nil {
		s.hooks.OnEstablished(s)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop() })
	g.Go(func() error { return s.writeLoop() })
	if s.peer.MaxDatagramSize() > 0 {
		g.Go(func() error { return s.datagramLoop(gctx) })
	}
	if s.cfg.HeartbeatInterval > 0 || s.cfg.IdleTimeout > 0 {
		g.Go(func() error { return s.keepaliveLoop() })
	}

	_ = g.Wait()
	return s.Err()
}

// ==================================================================
// Handshake
// ==================================================================

func (s *Session) readHandshake(timedOut *atomic.Bool) (wire.Handshake, error) {
	f, err := wire.ReadFrame(s.peer, s.cfg.MaxFrameSize)
	if err != nil {
		if timedOut.Load() {
			return wire.Handshake{}, ErrHandshakeTimeout
		}
		var ce *wire.CodecError
		if errors.As(err, &ce) {
			return wire.Handshake{}, err
		}
		return wire.Handshake{}, &TransportError{Op: "handshake", Err: err}
	}

	switch f.Type {
	case wire.FrameHandshake:
		return wire.DecodeHandshake(f.Payload)
	case wire.FrameDisconnect:
		d, err := wire.DecodeDisconnect(f.Payload)
		if err != nil {
			return wire.Handshake{}, err
		}
		return wire.Handshake{}, &RemoteClosedError{Code: transport.CloseCode(d.Code), Reason: d.Reason}
	}
	return wire.Handshake{}, fmt.Errorf("%w: %s during handshake", ErrUnexpectedFrame, f.Type)
}

func (s *Session) writeHandshake(h wire.Handshake) error {
	if err := wire.WriteFrame(s.peer, wire.Frame{Type: wire.FrameHandshake, Payload: h.Encode()}); err != nil {
		return &TransportError{Op: "handshake", Err: err}
	}
	return nil
}

// assignID keeps a well-formed id a reconnecting client presents and issues a
// fresh one otherwise.
func assignID(requested string) string {
	if id, err := uuid.Parse(requested); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (s *Session) handshake() error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateHandshaking)) {
		return ErrSessionClosed
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(s.cfg.HandshakeTimeout, func() {
		timedOut.Store(true)
		s.closePeer(transport.CloseProtocolError, "handshake timeout")
	})
	defer timer.Stop()

	local := wire.Handshake{
		Version:    wire.ProtocolVersion,
		SchemaHash: s.cfg.SchemaHash,
		Tolerant:   s.cfg.Tolerant,
		ClientID:   s.id,
	}

	var remote wire.Handshake
	var err error

	switch s.role {
	case RoleClient:
		if err = s.writeHandshake(local); err != nil {
			return err
		}
		if remote, err = s.readHandshake(&timedOut); err != nil {
			return err
		}
		s.id = remote.ClientID
	default:
		if remote, err = s.readHandshake(&timedOut); err != nil {
			return err
		}
		// Reply before checking so the client reaches the same verdict.
		s.id = assignID(remote.ClientID)
		local.ClientID = s.id
		if err = s.writeHandshake(local); err != nil {
			return err
		}
	}

	tolerant, err := wire.CheckHandshake(local, remote)
	if err != nil {
		return err
	}
	if tolerant && local.SchemaHash != remote.SchemaHash {
		s.logger.Warn("schema mismatch tolerated", "local", local.SchemaHash, "remote", remote.SchemaHash)
	}

	s.remote = remote
	s.tolerant = tolerant
	return nil
}

// ==================================================================
// Loops
// ==================================================================

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) readLoop() error {
	for {
		f, err := wire.ReadFrame(s.peer, s.cfg.MaxFrameSize)
		if err != nil {
			if s.stopping() {
				return nil
			}
			var ce *wire.CodecError
			if errors.As(err, &ce) {
				return s.Fault(err)
			}
			var closed *transport.CloseError
			if errors.As(err, &closed) && closed.Graceful() {
				s.remoteClosed(closed.Code, closed.Reason)
				return nil
			}
			return s.Fault(&TransportError{Op: "read", Err: err})
		}

		if err := s.dispatch(f); err != nil {
			if errors.Is(err, errRemoteClosed) {
				return nil
			}
			return s.Fault(err)
		}
	}
}

func (s *Session) datagramLoop(ctx context.Context) error {
	for {
		b, err := s.peer.ReceiveUnreliable(ctx)
		if err != nil {
			// The stream loop sees the same failure and decides whether it
			// is a fault.
			s.logger.Debug("datagram loop stopped", "error", err)
			return nil
		}

		f, err := wire.DecodeFrame(b, s.cfg.MaxFrameSize)
		if err != nil {
			return s.Fault(err)
		}
		if err := s.dispatch(f); err != nil {
			if errors.Is(err, errRemoteClosed) {
				return nil
			}
			return s.Fault(err)
		}
	}
}

func (s *Session) dispatch(f wire.Frame) error {
	s.touch()

	switch f.Type {
	case wire.FrameWorldDiff:
		if s.hooks.OnDiff != nil {
			return s.hooks.OnDiff(s, f.Payload)
		}

	case wire.FrameReliableMessage, wire.FrameUnreliableMessage:
		msg, err := wire.DecodeUserMessage(f.Payload)
		if err != nil {
			return err
		}
		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(s, msg, f.Type == wire.FrameReliableMessage)
		}

	case wire.FrameAck:
		ack, err := wire.DecodeAck(f.Payload)
		if err != nil {
			return err
		}
		if !ack.Heartbeat() && s.hooks.OnAck != nil {
			s.hooks.OnAck(s, ack.Tick)
		}

	case wire.FrameResyncRequest:
		req, err := wire.DecodeResyncRequest(f.Payload)
		if err != nil {
			return err
		}
		if s.hooks.OnResyncRequest != nil {
			s.hooks.OnResyncRequest(s, req)
		}

	case wire.FrameDisconnect:
		d, err := wire.DecodeDisconnect(f.Payload)
		if err != nil {
			return err
		}
		s.remoteClosed(transport.CloseCode(d.Code), d.Reason)
		return errRemoteClosed

	default:
		return fmt.Errorf("%w: %s after handshake", ErrUnexpectedFrame, f.Type)
	}
	return nil
}

func (s *Session) remoteClosed(code transport.CloseCode, reason string) {
	s.setErr(&RemoteClosedError{Code: code, Reason: reason})
	s.state.CompareAndSwap(int32(StateEstablished), int32(StateDraining))
	s.queue.close()
	s.closePeer(transport.CloseNormal, "")
}

func (s *Session) writeLoop() error {
	for {
		item, ok := s.queue.pop()
		if !ok {
			if s.queue.drained() {
				s.closePeer(transport.CloseNormal, "closed")
				return nil
			}
			select {
			case <-s.stop:
				return nil
			case <-s.queue.ready:
			}
			continue
		}

		if err := s.write(item); err != nil {
			if s.stopping() {
				return nil
			}
			return s.Fault(&TransportError{Op: "write", Err: err})
		}
	}
}

func (s *Session) write(item outbound) error {
	if item.lane == laneUnreliable {
		if limit := s.peer.MaxDatagramSize(); limit > 0 && len(item.frame) <= limit {
			err := s.peer.SendUnreliable(item.frame)
			if !errors.Is(err, transport.ErrDatagramTooLarge) {
				return err
			}
		}
	}
	_, err := s.peer.Write(item.frame)
	return err
}

func (s *Session) keepaliveLoop() error {
	period := s.cfg.HeartbeatInterval
	if period <= 0 || (s.cfg.IdleTimeout > 0 && s.cfg.IdleTimeout/4 < period) {
		period = s.cfg.IdleTimeout / 4
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	heartbeat := wire.AppendFrame(nil, wire.FrameAck, wire.Ack{}.Encode())
	var lastBeat time.Time

	for {
		select {
		case <-s.stop:
			return nil
		case now := <-ticker.C:
			if idle := s.cfg.IdleTimeout; idle > 0 {
				if now.Sub(time.Unix(0, s.lastSeen.Load())) > idle {
					return s.Fault(ErrIdleTimeout)
				}
			}
			if s.cfg.HeartbeatInterval > 0 && now.Sub(lastBeat) >= s.cfg.HeartbeatInterval {
				lastBeat = now
				if err := s.enqueueControl(heartbeat); err != nil && !errors.Is(err, ErrSessionClosed) {
					return err
				}
			}
		}
	}
}

// ==================================================================
// Send
// ==================================================================

func (s *Session) sendable() error {
	switch s.State() {
	case StateEstablished:
		return nil
	case StateConnecting, StateHandshaking:
		return ErrNotEstablished
	}
	return ErrSessionClosed
}

func (s *Session) enqueueControl(frame []byte) error {
	if err := s.sendable(); err != nil {
		return err
	}
	if err := s.queue.pushControl(frame); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			return s.Fault(fmt.Errorf("control lane: %w", err))
		}
		return err
	}
	return nil
}

func (s *Session) enqueueReliable(frame []byte) error {
	if err := s.sendable(); err != nil {
		return err
	}
	if err := s.queue.pushReliable(frame, s.cfg.ReliableEnqueueTimeout); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			return s.Fault(fmt.Errorf("reliable lane: %w", err))
		}
		return err
	}
	return nil
}

func (s *Session) enqueueUnreliable(frame []byte) error {
	if err := s.sendable(); err != nil {
		return err
	}
	dropped, err := s.queue.pushUnreliable(frame)
	if dropped {
		s.logger.Debug("dropped oldest unreliable frame")
	}
	return err
}

// SendReliable queues a user message on the reliable lane. A full lane faults
// the session and returns ErrCapacityExceeded.
func (s *Session) SendReliable(id uint64, body []byte) error {
	payload := wire.UserMessage{ID: id, Body: body}.Encode()
	return s.enqueueReliable(wire.AppendFrame(nil, wire.FrameReliableMessage, payload))
}

// SendUnreliable queues a user message on the unreliable lane, dropping the
// oldest queued unreliable frame when full.
func (s *Session) SendUnreliable(id uint64, body []byte) error {
	payload := wire.UserMessage{ID: id, Body: body}.Encode()
	return s.enqueueUnreliable(wire.AppendFrame(nil, wire.FrameUnreliableMessage, payload))
}

// SendDiff queues an encoded WorldDiff frame. Diffs that do not fit in a
// datagram, and those marked reliable, use the reliable lane.
func (s *Session) SendDiff(frame []byte, reliable bool) error {
	if limit := s.peer.MaxDatagramSize(); limit > 0 && len(frame) > limit {
		reliable = true
	}
	if reliable {
		return s.enqueueReliable(frame)
	}
	return s.enqueueUnreliable(frame)
}

// Ack confirms that every diff up to tick was applied.
func (s *Session) Ack(tick uint64) error {
	return s.enqueueControl(wire.AppendFrame(nil, wire.FrameAck, wire.Ack{Tick: tick}.Encode()))
}

// RequestResync asks the server for a full snapshot.
func (s *Session) RequestResync(lastApplied uint64) error {
	return s.enqueueControl(wire.AppendFrame(nil, wire.FrameResyncRequest, wire.ResyncRequest{LastApplied: lastApplied}.Encode()))
}
