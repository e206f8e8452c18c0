package wire

import (
	"encoding/binary"
	"fmt"
)

// Buffer is an append-only writer and a forward-only reader over one byte
// slice. Read methods fail with ErrTruncated instead of io errors.
type Buffer struct {
	buf []byte
	pos int
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// NewReader wraps data for reading. The buffer does not copy it.
func NewReader(data []byte) *Buffer {
	return &Buffer{buf: data}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[pos=%d len=%d cap=%d]", b.pos, len(b.buf), cap(b.buf))
}

func (b *Buffer) Bytes() []byte {
	return b.buf
}

func (b *Buffer) Len() int {
	return len(b.buf)
}

func (b *Buffer) Remaining() int {
	return len(b.buf) - b.pos
}

// Rest returns the unread bytes.
func (b *Buffer) Rest() []byte {
	return b.buf[b.pos:]
}

func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.pos = 0
}

// ==================================================================
// Write
// ==================================================================

func (b *Buffer) WriteByte(v byte) error {
	b.buf = append(b.buf, v)
	return nil
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *Buffer) WriteUvarint(x uint64) {
	b.buf = binary.AppendUvarint(b.buf, x)
}

func (b *Buffer) WriteUint64(x uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, x)
}

// WriteBytes writes p with a uvarint length prefix.
func (b *Buffer) WriteBytes(p []byte) {
	b.WriteUvarint(uint64(len(p)))
	b.buf = append(b.buf, p...)
}

func (b *Buffer) WriteString(s string) {
	b.WriteUvarint(uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// Append exposes the tail for append-style encoders.
func (b *Buffer) Append(fn func(dst []byte) ([]byte, error)) error {
	out, err := fn(b.buf)
	if err != nil {
		return err
	}
	b.buf = out
	return nil
}

// ==================================================================
// Read
// ==================================================================

func (b *Buffer) ReadByte() (byte, error) {
	if b.pos >= len(b.buf) {
		return 0, ErrTruncated
	}
	v := b.buf[b.pos]
	b.pos++
	return v, nil
}

func (b *Buffer) ReadUvarint() (uint64, error) {
	x, n := binary.Uvarint(b.buf[b.pos:])
	if n == 0 {
		return 0, ErrTruncated
	}
	if n < 0 {
		return 0, ErrLengthMismatch
	}
	b.pos += n
	return x, nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Remaining() < 8 {
		return 0, ErrTruncated
	}
	x := binary.LittleEndian.Uint64(b.buf[b.pos:])
	b.pos += 8
	return x, nil
}

// ReadN returns the next n bytes without copying.
func (b *Buffer) ReadN(n uint64) ([]byte, error) {
	if n > uint64(b.Remaining()) {
		return nil, ErrTruncated
	}
	p := b.buf[b.pos : b.pos+int(n)]
	b.pos += int(n)
	return p, nil
}

// ReadBytes reads a uvarint length-prefixed slice, copied.
func (b *Buffer) ReadBytes() ([]byte, error) {
	l, err := b.ReadUvarint()
	if err != nil {
		return nil, err
	}
	p, err := b.ReadN(l)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

func (b *Buffer) ReadString() (string, error) {
	l, err := b.ReadUvarint()
	if err != nil {
		return "", err
	}
	p, err := b.ReadN(l)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (b *Buffer) Skip(n int) error {
	if n < 0 || n > b.Remaining() {
		return ErrTruncated
	}
	b.pos += n
	return nil
}

// ExpectEnd fails if unread bytes remain.
func (b *Buffer) ExpectEnd() error {
	if b.Remaining() != 0 {
		return ErrLengthMismatch
	}
	return nil
}
