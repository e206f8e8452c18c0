// Package transport abstracts one logical connection that carries an ordered
// reliable byte stream and, where the network allows it, unreliable datagrams.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	ErrClosed                = errors.New("transport is closed")
	ErrUnreliableUnsupported = errors.New("peer does not support unreliable delivery")
	ErrDatagramTooLarge      = errors.New("datagram exceeds peer limit")
)

// CloseCode is sent to the remote side when a peer is closed.
type CloseCode uint16

const (
	CloseNormal CloseCode = iota
	CloseGoingAway
	CloseProtocolError
	CloseCapacityExceeded
	CloseInternalError
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case CloseProtocolError:
		return "protocol_error"
	case CloseCapacityExceeded:
		return "capacity_exceeded"
	case CloseInternalError:
		return "internal_error"
	}
	return "unknown"
}

// CloseError is returned by reads once the remote side closed the peer with
// a code.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("peer closed (%s): %s", e.Code, e.Reason)
}

// Graceful reports whether the remote side closed on purpose.
func (e *CloseError) Graceful() bool {
	return e.Code == CloseNormal || e.Code == CloseGoingAway
}

// Peer is one connected endpoint. Read and Write access the reliable stream;
// a single goroutine may read and a single goroutine may write at a time.
// Close unblocks pending reads.
type Peer interface {
	io.Reader
	io.Writer

	// MaxDatagramSize is the largest payload SendUnreliable accepts, or 0 if
	// the peer has no unreliable channel.
	MaxDatagramSize() int
	SendUnreliable(b []byte) error
	ReceiveUnreliable(ctx context.Context) ([]byte, error)

	Close(code CloseCode, reason string) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener accepts inbound peers.
type Listener interface {
	Accept(ctx context.Context) (Peer, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens outbound peers.
type Dialer interface {
	Dial(ctx context.Context) (Peer, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Peer, error)

func (f DialerFunc) Dial(ctx context.Context) (Peer, error) {
	return f(ctx)
}
