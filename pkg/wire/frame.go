// Package wire implements the binary protocol spoken between a server and its
// clients: framing, the handshake, world diffs and user messages.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion changes whenever the frame layout changes.
const ProtocolVersion = 1

const (
	HeaderSize          = 5
	DefaultMaxFrameSize = 16 << 20
)

type FrameType uint8

const (
	FrameHandshake FrameType = iota + 1
	FrameWorldDiff
	FrameReliableMessage
	FrameUnreliableMessage
	FrameAck
	FrameDisconnect
	FrameResyncRequest
	frameTypeEnd
)

var frameNames = [...]string{
	FrameHandshake:         "handshake",
	FrameWorldDiff:         "world_diff",
	FrameReliableMessage:   "reliable_message",
	FrameUnreliableMessage: "unreliable_message",
	FrameAck:               "ack",
	FrameDisconnect:        "disconnect",
	FrameResyncRequest:     "resync_request",
}

func (t FrameType) Valid() bool {
	return t >= FrameHandshake && t < frameTypeEnd
}

func (t FrameType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
	return frameNames[t]
}

// Frame is one decoded protocol unit.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// AppendFrame writes the header and payload of a frame to dst.
func AppendFrame(dst []byte, t FrameType, payload []byte) []byte {
	dst = append(dst, byte(t))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

func (f Frame) Encode() []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f.Type, f.Payload)
}

func parseHeader(h []byte, maxSize int) (FrameType, int, error) {
	t := FrameType(h[0])
	if !t.Valid() {
		return 0, 0, codecErr("frame", fmt.Errorf("%w: %d", ErrUnknownFrame, h[0]))
	}
	n := binary.BigEndian.Uint32(h[1:HeaderSize])
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if uint64(n) > uint64(maxSize) {
		return 0, 0, codecErr("frame", fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n))
	}
	return t, int(n), nil
}

// ReadFrame reads one frame from a stream. A clean end of stream before the
// first header byte is returned as io.EOF; anything shorter inside a frame is a
// CodecError wrapping ErrTruncated.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, codecErr("frame", ErrTruncated)
		}
		return Frame{}, err
	}

	t, n, err := parseHeader(h[:], maxSize)
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, codecErr("frame", ErrTruncated)
		}
		return Frame{}, err
	}
	return Frame{Type: t, Payload: payload}, nil
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(f.Encode())
	return err
}

// DecodeFrame parses a frame that must occupy all of b, as in a datagram.
func DecodeFrame(b []byte, maxSize int) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, codecErr("frame", ErrTruncated)
	}
	t, n, err := parseHeader(b, maxSize)
	if err != nil {
		return Frame{}, err
	}
	switch {
	case len(b)-HeaderSize < n:
		return Frame{}, codecErr("frame", ErrTruncated)
	case len(b)-HeaderSize > n:
		return Frame{}, codecErr("frame", ErrLengthMismatch)
	}
	return Frame{Type: t, Payload: b[HeaderSize:]}, nil
}
