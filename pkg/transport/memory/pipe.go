// Package memory connects peers inside one process. The reliable stream is a
// net.Pipe and datagrams travel over a bounded channel that can be told to
// lose packets.
package memory

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/QYUbit/worldsync/pkg/transport"
)

type PipeOptions struct {
	// DropRate is the probability in [0, 1] that a datagram is lost.
	DropRate float64
	// Seed makes loss reproducible.
	Seed uint64
	// MaxDatagramSize of 0 disables the unreliable channel.
	MaxDatagramSize int
	// DatagramBacklog bounds queued datagrams per direction; extras are lost.
	DatagramBacklog int
}

var DefaultPipeOptions = PipeOptions{
	MaxDatagramSize: 1200,
	DatagramBacklog: 256,
}

type addr string

func (a addr) Network() string { return "memory" }
func (a addr) String() string  { return string(a) }

type lossy struct {
	mu   sync.Mutex
	rng  *rand.Rand
	rate float64
}

func (l *lossy) drop() bool {
	if l.rate <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64() < l.rate
}

// closeNote carries the close code of one side to the other.
type closeNote struct {
	mu  sync.Mutex
	err *transport.CloseError
}

func (n *closeNote) set(code transport.CloseCode, reason string) {
	n.mu.Lock()
	n.err = &transport.CloseError{Code: code, Reason: reason}
	n.mu.Unlock()
}

func (n *closeNote) get() *transport.CloseError {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Pipe returns two connected peers.
func Pipe(opts PipeOptions) (*Peer, *Peer) {
	a, b := net.Pipe()
	ab := make(chan []byte, max(opts.DatagramBacklog, 1))
	ba := make(chan []byte, max(opts.DatagramBacklog, 1))
	loss := &lossy{rng: rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)), rate: opts.DropRate}

	na, nb := &closeNote{}, &closeNote{}

	pa := &Peer{
		stream: a, in: ba, out: ab, loss: loss, maxDatagram: opts.MaxDatagramSize,
		local: addr("pipe-a"), remote: addr("pipe-b"), done: make(chan struct{}),
		sent: na, recv: nb,
	}
	pb := &Peer{
		stream: b, in: ab, out: ba, loss: loss, maxDatagram: opts.MaxDatagramSize,
		local: addr("pipe-b"), remote: addr("pipe-a"), done: make(chan struct{}),
		sent: nb, recv: na,
	}
	return pa, pb
}

type Peer struct {
	stream net.Conn
	in     <-chan []byte
	out    chan<- []byte
	loss   *lossy

	maxDatagram int
	local       net.Addr
	remote      net.Addr

	sent *closeNote
	recv *closeNote

	closeOnce sync.Once
	done      chan struct{}
}

func (p *Peer) Read(b []byte) (int, error) {
	n, err := p.stream.Read(b)
	if err != nil {
		if ce := p.recv.get(); ce != nil {
			return n, ce
		}
	}
	return n, err
}

func (p *Peer) Write(b []byte) (int, error) {
	return p.stream.Write(b)
}

func (p *Peer) MaxDatagramSize() int {
	return p.maxDatagram
}

func (p *Peer) SendUnreliable(b []byte) error {
	select {
	case <-p.done:
		return transport.ErrClosed
	default:
	}
	if p.maxDatagram <= 0 {
		return transport.ErrUnreliableUnsupported
	}
	if len(b) > p.maxDatagram {
		return transport.ErrDatagramTooLarge
	}
	if p.loss.drop() {
		return nil
	}

	msg := make([]byte, len(b))
	copy(msg, b)
	select {
	case p.out <- msg:
	default:
	}
	return nil
}

func (p *Peer) ReceiveUnreliable(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, transport.ErrClosed
	case b := <-p.in:
		return b, nil
	}
}

func (p *Peer) Close(code transport.CloseCode, reason string) error {
	var err error
	p.closeOnce.Do(func() {
		p.sent.set(code, reason)
		close(p.done)
		err = p.stream.Close()
	})
	return err
}

func (p *Peer) LocalAddr() net.Addr {
	return p.local
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.remote
}

// ==================================================================
// Listener
// ==================================================================

// Listener hands out the server side of pipes created by Dial.
type Listener struct {
	opts    PipeOptions
	pending chan *Peer
	done    chan struct{}
	once    sync.Once
}

func NewListener(opts PipeOptions) *Listener {
	return &Listener{
		opts:    opts,
		pending: make(chan *Peer),
		done:    make(chan struct{}),
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Peer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, transport.ErrClosed
	case p := <-l.pending:
		return p, nil
	}
}

// Dial creates a pipe and blocks until the server side is accepted.
func (l *Listener) Dial(ctx context.Context) (transport.Peer, error) {
	client, server := Pipe(l.opts)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, transport.ErrClosed
	case l.pending <- server:
		return client, nil
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *Listener) Addr() net.Addr {
	return addr("memory")
}
