package session

import (
	"errors"
	"fmt"

	"github.com/QYUbit/worldsync/pkg/transport"
)

var (
	ErrCapacityExceeded = errors.New("send queue capacity exceeded")
	ErrSessionClosed    = errors.New("session is closed")
	ErrNotEstablished   = errors.New("session is not established")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrIdleTimeout      = errors.New("peer went silent")
	ErrUnexpectedFrame  = errors.New("unexpected frame")
)

// TransportError wraps a failure of the underlying peer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteClosedError reports a Disconnect frame received from the peer.
type RemoteClosedError struct {
	Code   transport.CloseCode
	Reason string
}

func (e *RemoteClosedError) Error() string {
	return fmt.Sprintf("closed by peer (%s): %s", e.Code, e.Reason)
}
