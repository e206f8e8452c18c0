package session

import (
	"time"

	"github.com/QYUbit/worldsync/pkg/axlog"
	"github.com/QYUbit/worldsync/pkg/wire"
)

// Hooks are called from the session's goroutines. They must not block for
// long; the read loop waits for them.
type Hooks struct {
	OnEstablished func(s *Session)
	// OnFaulted fires exactly once per faulted session, before OnClosed.
	OnFaulted func(s *Session, err error)
	OnClosed  func(s *Session)

	// OnDiff receives a WorldDiff payload. Returning an error faults the
	// session.
	OnDiff          func(s *Session, payload []byte) error
	OnMessage       func(s *Session, msg wire.UserMessage, reliable bool)
	OnAck           func(s *Session, tick uint64)
	OnResyncRequest func(s *Session, req wire.ResyncRequest)
}

type Config struct {
	// ReliableQueueSize bounds queued reliable frames. Exceeding it faults the
	// session with ErrCapacityExceeded.
	ReliableQueueSize int
	// ReliableEnqueueTimeout lets a producer wait for space before the
	// overflow becomes fatal. Zero fails immediately.
	ReliableEnqueueTimeout time.Duration
	// UnreliableQueueSize bounds queued unreliable frames. The oldest is
	// dropped on overflow.
	UnreliableQueueSize int
	ControlQueueSize    int

	MaxFrameSize     int
	HandshakeTimeout time.Duration
	// HeartbeatInterval sends empty acks while idle. Zero disables them.
	HeartbeatInterval time.Duration
	// IdleTimeout faults the session when nothing arrives for this long. Zero
	// disables the check.
	IdleTimeout time.Duration

	// SchemaHash is compared with the peer's during the handshake.
	SchemaHash uint64
	Tolerant   bool
	// ClientID is sent by dialing clients. Servers assign one when empty.
	ClientID string

	Hooks  Hooks
	Logger axlog.Logger
}

var DefaultConfig = Config{
	ReliableQueueSize:   256,
	UnreliableQueueSize: 64,
	ControlQueueSize:    64,
	MaxFrameSize:        wire.DefaultMaxFrameSize,
	HandshakeTimeout:    5 * time.Second,
	HeartbeatInterval:   time.Second,
	IdleTimeout:         10 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.ReliableQueueSize <= 0 {
		c.ReliableQueueSize = DefaultConfig.ReliableQueueSize
	}
	if c.UnreliableQueueSize <= 0 {
		c.UnreliableQueueSize = DefaultConfig.UnreliableQueueSize
	}
	if c.ControlQueueSize <= 0 {
		c.ControlQueueSize = DefaultConfig.ControlQueueSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultConfig.MaxFrameSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultConfig.HandshakeTimeout
	}
	c.Logger = axlog.OrNop(c.Logger)
	return c
}
