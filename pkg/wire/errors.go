package wire

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated        = errors.New("truncated input")
	ErrLengthMismatch   = errors.New("length mismatch")
	ErrUnknownFrame     = errors.New("unknown frame type")
	ErrUnknownComponent = errors.New("unknown component type")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrSchemaMismatch   = errors.New("component schema mismatch")
)

// CodecError reports a malformed or unsupported input. The session that read
// it is expected to close; decoding never panics.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("wire: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func codecErr(op string, err error) error {
	var ce *CodecError
	if errors.As(err, &ce) {
		return err
	}
	return &CodecError{Op: op, Err: err}
}
