// Package quic carries peers over quic-go: the reliable stream is the first
// bidirectional stream of the connection and unreliable traffic uses QUIC
// datagrams.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/QYUbit/worldsync/pkg/transport"
	"github.com/quic-go/quic-go"
)

// DatagramSize stays below the smallest path MTU quic-go assumes, so datagrams
// never fail with a size error after the handshake.
const DatagramSize = 1150

var ErrTransportNotInitialized = errors.New("quic transport has not been initialized")

type emptyAddr struct{}

func (emptyAddr) Network() string { return "none" }
func (emptyAddr) String() string  { return "uninitialized" }

// DefaultConfig enables datagrams, which the session needs for diffs.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
	}
}

// ==================================================================
// Listener
// ==================================================================

// DefaultStreamTimeout bounds how long an accepted connection may take to
// open its stream.
const DefaultStreamTimeout = time.Second

const acceptBacklog = 16

// Transport accepts connections in the background. Each connection waits for
// its first stream on its own goroutine, so a client that never opens one
// cannot hold up the others.
type Transport struct {
	address  string
	tlsCfg   *tls.Config
	quicCfg  *quic.Config
	listener *quic.Listener

	// StreamTimeout overrides DefaultStreamTimeout. Set it before Listen.
	StreamTimeout time.Duration

	peers     chan *Peer
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	failOnce sync.Once
	failed   chan struct{}
	err      error
}

func NewTransport(addr string, tlsCfg *tls.Config, quicCfg *quic.Config) *Transport {
	if quicCfg == nil {
		quicCfg = DefaultConfig()
	}
	return &Transport{
		address: addr,
		tlsCfg:  tlsCfg,
		quicCfg: quicCfg,
		peers:   make(chan *Peer, acceptBacklog),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}
}

func (t *Transport) Listen() error {
	l, err := quic.ListenAddr(t.address, t.tlsCfg, t.quicCfg)
	if err != nil {
		return err
	}
	t.listener = l

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.acceptLoop(ctx)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			t.fail(err)
			return
		}
		go t.acceptStream(ctx, conn)
	}
}

// acceptStream waits for the stream the client opens by sending its
// handshake.
func (t *Transport) acceptStream(ctx context.Context, conn *quic.Conn) {
	timeout := t.StreamTimeout
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(transport.CloseProtocolError), "no stream")
		return
	}

	select {
	case t.peers <- newPeer(conn, stream):
	case <-t.done:
		_ = conn.CloseWithError(quic.ApplicationErrorCode(transport.CloseGoingAway), "shutting down")
	}
}

func (t *Transport) fail(err error) {
	t.failOnce.Do(func() {
		t.err = err
		close(t.failed)
	})
}

// Accept returns the next connection that has opened its stream.
func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	if t.listener == nil {
		return nil, ErrTransportNotInitialized
	}

	select {
	case p := <-t.peers:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, transport.ErrClosed
	case <-t.failed:
		return nil, t.err
	}
}

func (t *Transport) Close() error {
	if t.listener == nil {
		return ErrTransportNotInitialized
	}
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.cancel()
		err = t.listener.Close()
	})
	return err
}

func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return emptyAddr{}
	}
	return t.listener.Addr()
}

// ==================================================================
// Dialer
// ==================================================================

type Dialer struct {
	Address string
	TLS     *tls.Config
	Config  *quic.Config
}

func (d Dialer) Dial(ctx context.Context) (transport.Peer, error) {
	cfg := d.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}

	conn, err := quic.DialAddr(ctx, d.Address, d.TLS, cfg)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(transport.CloseInternalError), "open stream")
		return nil, err
	}
	return newPeer(conn, stream), nil
}

// ==================================================================
// Peer
// ==================================================================

type Peer struct {
	conn          *quic.Conn
	controlStream *quic.Stream
}

func newPeer(conn *quic.Conn, stream *quic.Stream) *Peer {
	return &Peer{conn: conn, controlStream: stream}
}

func (p *Peer) Read(b []byte) (int, error) {
	n, err := p.controlStream.Read(b)
	return n, translate(err)
}

// translate turns a remote application close into a transport.CloseError.
func translate(err error) error {
	var ae *quic.ApplicationError
	if errors.As(err, &ae) && ae.Remote {
		return &transport.CloseError{Code: transport.CloseCode(ae.ErrorCode), Reason: ae.ErrorMessage}
	}
	return err
}

func (p *Peer) Write(b []byte) (int, error) {
	return p.controlStream.Write(b)
}

func (p *Peer) MaxDatagramSize() int {
	if !p.conn.ConnectionState().SupportsDatagrams {
		return 0
	}
	return DatagramSize
}

func (p *Peer) SendUnreliable(b []byte) error {
	if len(b) > DatagramSize {
		return transport.ErrDatagramTooLarge
	}
	return p.conn.SendDatagram(b)
}

func (p *Peer) ReceiveUnreliable(ctx context.Context) ([]byte, error) {
	b, err := p.conn.ReceiveDatagram(ctx)
	return b, translate(err)
}

func (p *Peer) Close(code transport.CloseCode, reason string) error {
	return p.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (p *Peer) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}
