package wire

import "fmt"

const handshakeTolerant = 1 << 0

// Handshake is the first frame in each direction.
type Handshake struct {
	Version    uint64
	SchemaHash uint64
	// Tolerant asks the peer to accept a schema mismatch. Unknown component
	// types in later diffs are then skipped instead of failing the session.
	Tolerant bool
	ClientID string
}

func (h Handshake) Encode() []byte {
	b := NewBuffer(32 + len(h.ClientID))
	b.WriteUvarint(h.Version)
	b.WriteUint64(h.SchemaHash)
	var flags byte
	if h.Tolerant {
		flags |= handshakeTolerant
	}
	_ = b.WriteByte(flags)
	b.WriteString(h.ClientID)
	return b.Bytes()
}

func DecodeHandshake(p []byte) (Handshake, error) {
	var h Handshake
	b := NewReader(p)

	var err error
	if h.Version, err = b.ReadUvarint(); err != nil {
		return h, codecErr("handshake", err)
	}
	if h.SchemaHash, err = b.ReadUint64(); err != nil {
		return h, codecErr("handshake", err)
	}
	flags, err := b.ReadByte()
	if err != nil {
		return h, codecErr("handshake", err)
	}
	h.Tolerant = flags&handshakeTolerant != 0
	if h.ClientID, err = b.ReadString(); err != nil {
		return h, codecErr("handshake", err)
	}
	if err := b.ExpectEnd(); err != nil {
		return h, codecErr("handshake", err)
	}
	return h, nil
}

// CheckHandshake compares the local handshake with the one received. A
// version difference is always fatal. A schema difference is fatal unless
// either side asked for tolerance, in which case tolerant is true.
func CheckHandshake(local, remote Handshake) (tolerant bool, err error) {
	if local.Version != remote.Version {
		return false, codecErr("handshake", fmt.Errorf("%w: local %d, remote %d", ErrVersionMismatch, local.Version, remote.Version))
	}
	tolerant = local.Tolerant || remote.Tolerant
	if local.SchemaHash != remote.SchemaHash {
		if !tolerant {
			return false, codecErr("handshake", fmt.Errorf("%w: local %016x, remote %016x", ErrSchemaMismatch, local.SchemaHash, remote.SchemaHash))
		}
	}
	return tolerant, nil
}
