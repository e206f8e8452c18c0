package replication

import (
	"context"

	"github.com/QYUbit/worldsync/pkg/axlog"
	"github.com/QYUbit/worldsync/pkg/session"
	"github.com/QYUbit/worldsync/pkg/transport"
	"github.com/QYUbit/worldsync/pkg/wire"
)

// Client feeds a Mirror from a session: it decodes incoming diffs, applies
// them and acknowledges every applied tick.
type Client struct {
	mirror *Mirror
	codec  wire.DiffCodec
	logger axlog.Logger
}

func NewClient(mirror *Mirror, logger axlog.Logger) *Client {
	return &Client{
		mirror: mirror,
		codec:  wire.DiffCodec{Registry: mirror.World().Registry()},
		logger: axlog.OrNop(logger),
	}
}

func (c *Client) Mirror() *Mirror {
	return c.mirror
}

// Hooks returns session hooks that drive the mirror, then call the matching
// hook of next.
func (c *Client) Hooks(next session.Hooks) session.Hooks {
	h := next
	h.OnEstablished = func(s *session.Session) {
		c.mirror.Rebase()
		if next.OnEstablished != nil {
			next.OnEstablished(s)
		}
	}
	h.OnDiff = func(s *session.Session, payload []byte) error {
		if err := c.receive(s, payload); err != nil {
			return err
		}
		if next.OnDiff != nil {
			return next.OnDiff(s, payload)
		}
		return nil
	}
	return h
}

// receive fails the session only on malformed payloads. A diff the mirror
// rejects leads to a resync request instead.
func (c *Client) receive(s *session.Session, payload []byte) error {
	diff, err := c.codec.Decode(payload, s.Tolerant())
	if err != nil {
		return err
	}
	if diff.Skipped > 0 {
		c.logger.Debug("skipped unknown components", "tick", diff.Tick, "count", diff.Skipped)
	}

	applied, err := c.mirror.Apply(diff)
	if err != nil {
		c.logger.Warn("failed to apply diff, requesting resync", "tick", diff.Tick, "error", err)
		if err := s.RequestResync(c.mirror.LastApplied()); err != nil {
			c.logger.Debug("failed to request resync", "error", err)
		}
		return nil
	}
	if !applied {
		return nil
	}

	if err := s.Ack(diff.Tick); err != nil {
		c.logger.Debug("failed to ack diff", "tick", diff.Tick, "error", err)
	}
	return nil
}

// Connect dials a server with cfg and mirrors its world. An unset schema hash
// defaults to the mirror registry's.
func (c *Client) Connect(ctx context.Context, d transport.Dialer, cfg session.Config) (*session.Session, error) {
	if cfg.SchemaHash == 0 {
		cfg.SchemaHash = c.mirror.World().Registry().Hash()
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	cfg.Hooks = c.Hooks(cfg.Hooks)
	return session.Dial(ctx, d, cfg)
}
