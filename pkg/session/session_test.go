package session

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/QYUbit/worldsync/pkg/transport"
	"github.com/QYUbit/worldsync/pkg/transport/memory"
	websockets "github.com/QYUbit/worldsync/pkg/transport/websocket"
	"github.com/QYUbit/worldsync/pkg/wire"
)

// stallPeer never delivers anything and blocks writers until closed.
type stallPeer struct {
	once   sync.Once
	closed chan struct{}
	code   atomic.Int32
}

func newStallPeer() *stallPeer {
	p := &stallPeer{closed: make(chan struct{})}
	p.code.Store(-1)
	return p
}

func (p *stallPeer) Read([]byte) (int, error) {
	<-p.closed
	return 0, io.EOF
}

func (p *stallPeer) Write([]byte) (int, error) {
	<-p.closed
	return 0, io.ErrClosedPipe
}

func (p *stallPeer) MaxDatagramSize() int { return 0 }

func (p *stallPeer) SendUnreliable([]byte) error { return transport.ErrUnreliableUnsupported }

func (p *stallPeer) ReceiveUnreliable(ctx context.Context) ([]byte, error) {
	return nil, transport.ErrUnreliableUnsupported
}

func (p *stallPeer) LocalAddr() net.Addr  { return &net.TCPAddr{} }
func (p *stallPeer) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func (p *stallPeer) Close(code transport.CloseCode, reason string) error {
	p.once.Do(func() {
		p.code.Store(int32(code))
		close(p.closed)
	})
	return nil
}

type recorder struct {
	mu       sync.Mutex
	messages []wire.UserMessage
	faults   []error
	msgCh    chan wire.UserMessage
	closed   chan string
}

func newRecorder() *recorder {
	return &recorder{
		msgCh:  make(chan wire.UserMessage, 16),
		closed: make(chan string, 16),
	}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnMessage: func(s *Session, msg wire.UserMessage, reliable bool) {
			r.msgCh <- msg
		},
		OnFaulted: func(s *Session, err error) {
			r.mu.Lock()
			r.faults = append(r.faults, err)
			r.mu.Unlock()
		},
		OnClosed: func(s *Session) {
			r.closed <- s.ID()
		},
	}
}

func (r *recorder) faultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.faults)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

// TestReliableOverflowFaults tests that K+1 reliable frames fault the session exactly once
func TestReliableOverflowFaults(t *testing.T) {
	const k = 4
	rec := newRecorder()
	peer := newStallPeer()

	s := newSession(peer, Config{ReliableQueueSize: k, Hooks: rec.hooks()}, RoleServer)
	s.setState(StateEstablished)

	for i := range k {
		if err := s.SendReliable(uint64(i), nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	err := s.SendReliable(k, nil)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if s.State() != StateFaulted {
		t.Errorf("expected faulted state, got %s", s.State())
	}
	if got := transport.CloseCode(peer.code.Load()); got != transport.CloseCapacityExceeded {
		t.Errorf("expected peer closed with capacity code, got %s", got)
	}

	if err := s.SendReliable(0, nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after fault, got %v", err)
	}
	s.Fault(errors.New("second"))
	if n := rec.faultCount(); n != 1 {
		t.Errorf("expected exactly one fault, got %d", n)
	}
	if !errors.Is(s.Err(), ErrCapacityExceeded) {
		t.Errorf("expected stored capacity error, got %v", s.Err())
	}
}

// TestNotEstablished tests sends before the handshake
func TestNotEstablished(t *testing.T) {
	s := newSession(newStallPeer(), Config{}, RoleClient)
	if err := s.SendReliable(1, nil); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("expected ErrNotEstablished, got %v", err)
	}
}

// TestHandshakeTimeout tests that a silent peer faults the session
func TestHandshakeTimeout(t *testing.T) {
	rec := newRecorder()
	s := newSession(newStallPeer(), Config{HandshakeTimeout: 20 * time.Millisecond, Hooks: rec.hooks()}, RoleServer)

	if err := s.Run(context.Background()); !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("expected ErrHandshakeTimeout, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed state, got %s", s.State())
	}
	if rec.faultCount() != 1 {
		t.Errorf("expected one fault, got %d", rec.faultCount())
	}
}

func startServer(t *testing.T, cfg Config) (*Manager, *memory.Listener) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	l := memory.NewListener(memory.DefaultPipeOptions)
	m := NewManager(cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Serve(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, l
}

func waitSession(t *testing.T, m *Manager, id string) *Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := m.Get(id); ok {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never registered", id)
	return nil
}

// TestRoundTrip tests messages in both directions and a graceful close
func TestRoundTrip(t *testing.T) {
	srv := newRecorder()
	m, l := startServer(t, Config{SchemaHash: 7, Hooks: srv.hooks()})

	cli := newRecorder()
	ctx := context.Background()
	c, err := Dial(ctx, l, Config{SchemaHash: 7, Hooks: cli.hooks()})
	if err != nil {
		t.Fatal(err)
	}
	if c.ID() == "" {
		t.Fatal("server did not assign a client id")
	}

	if err := c.SendReliable(1, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, srv.msgCh); msg.ID != 1 || string(msg.Body) != "hello" {
		t.Errorf("unexpected server message %+v", msg)
	}

	s := waitSession(t, m, c.ID())
	if err := s.SendUnreliable(2, []byte("state")); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, cli.msgCh); msg.ID != 2 {
		t.Errorf("unexpected client message %+v", msg)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		t.Fatal(err)
	}
	if c.Err() != nil {
		t.Errorf("graceful close left error %v", c.Err())
	}

	if id := receive(t, srv.closed); id != c.ID() {
		t.Errorf("expected server close for %s, got %s", c.ID(), id)
	}
	if srv.faultCount() != 0 || cli.faultCount() != 0 {
		t.Errorf("graceful close faulted: server %v, client %v", srv.faults, cli.faults)
	}
	if m.Len() != 0 {
		t.Errorf("expected manager to drop the session, has %d", m.Len())
	}
}

// TestServerDisconnect tests that a server close reaches the client as a reason
func TestServerDisconnect(t *testing.T) {
	m, l := startServer(t, Config{})

	c, err := Dial(context.Background(), l, Config{})
	if err != nil {
		t.Fatal(err)
	}
	s := waitSession(t, m, c.ID())
	_ = s.Close(context.Background())

	receive(t, c.Done())
	var rc *RemoteClosedError
	if !errors.As(c.Err(), &rc) {
		t.Errorf("expected *RemoteClosedError, got %v", c.Err())
	}
}

// TestSchemaMismatch tests strict and tolerant handshakes
func TestSchemaMismatch(t *testing.T) {
	srv := newRecorder()
	_, l := startServer(t, Config{SchemaHash: 1, Hooks: srv.hooks()})

	_, err := Dial(context.Background(), l, Config{SchemaHash: 2})
	if !errors.Is(err, wire.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}

	c, err := Dial(context.Background(), l, Config{SchemaHash: 2, Tolerant: true})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Tolerant() {
		t.Error("expected tolerant session")
	}
	_ = c.Close(context.Background())
}

// TestReconnectKeepsID tests that a client presenting its id keeps it
func TestReconnectKeepsID(t *testing.T) {
	m, l := startServer(t, Config{})

	first, err := Dial(context.Background(), l, Config{})
	if err != nil {
		t.Fatal(err)
	}
	id := first.ID()
	waitSession(t, m, id)

	second, err := Dial(context.Background(), l, Config{ClientID: id})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID() != id {
		t.Errorf("expected id %s, got %s", id, second.ID())
	}

	receive(t, first.Done())
	if got := waitSession(t, m, id); got.Remote().ClientID != id {
		t.Errorf("unexpected session registered for %s", id)
	}
	_ = second.Close(context.Background())
}

// TestWebsocketRoundTrip tests the websocket transport behind httptest
func TestWebsocketRoundTrip(t *testing.T) {
	wst := websockets.NewTransport(nil, 8)
	httpSrv := httptest.NewServer(wst)
	defer httpSrv.Close()

	srv := newRecorder()
	m := NewManager(Config{Hooks: srv.hooks()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Serve(ctx, wst) }()

	cli := newRecorder()
	d := websockets.Dialer{URL: "ws" + strings.TrimPrefix(httpSrv.URL, "http")}
	c, err := Dial(ctx, d, Config{Hooks: cli.hooks()})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.SendUnreliable(5, []byte("over the stream")); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, srv.msgCh); string(msg.Body) != "over the stream" {
		t.Errorf("unexpected message %+v", msg)
	}

	s := waitSession(t, m, c.ID())
	big := make([]byte, 64<<10)
	if err := s.SendReliable(6, big); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, cli.msgCh); len(msg.Body) != len(big) {
		t.Errorf("expected %d bytes, got %d", len(big), len(msg.Body))
	}

	_ = c.Close(ctx)
}
