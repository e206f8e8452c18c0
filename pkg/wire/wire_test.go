package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/QYUbit/worldsync/pkg/ecs"
	"github.com/go-gl/mathgl/mgl32"
)

func testRegistry(t *testing.T) *ecs.Registry {
	t.Helper()
	reg := ecs.NewRegistry()
	ecs.MustRegister[mgl32.Vec3](reg, ecs.Descriptor{ID: 10, Name: "pos", Kind: ecs.KindVec3, Networked: true})
	ecs.MustRegister[int32](reg, ecs.Descriptor{ID: 11, Name: "hp", Kind: ecs.KindInt32, Networked: true})
	ecs.MustRegister[string](reg, ecs.Descriptor{ID: 12, Name: "name", Kind: ecs.KindString, Networked: true})
	return reg
}

func sampleDiff() *WorldDiff {
	a := ecs.Entity{Index: 1, Generation: 1}
	b := ecs.Entity{Index: 300, Generation: 7}
	return &WorldDiff{
		Tick:     42,
		Baseline: 40,
		Spawns:   []ecs.Entity{a},
		Upserts: []Upsert{
			{Entity: a, Component: 10, Value: mgl32.Vec3{1, 2, 3}},
			{Entity: a, Component: 12, Value: "alice"},
			{Entity: b, Component: 11, Value: int32(-5)},
		},
		Removes:  []Removal{{Entity: b, Component: 12}},
		Despawns: []ecs.Entity{{Index: 9, Generation: 2}},
	}
}

func diffsEqual(a, b *WorldDiff) bool {
	if a.Tick != b.Tick || a.Baseline != b.Baseline || a.Full != b.Full {
		return false
	}
	if len(a.Spawns) != len(b.Spawns) || len(a.Upserts) != len(b.Upserts) ||
		len(a.Removes) != len(b.Removes) || len(a.Despawns) != len(b.Despawns) {
		return false
	}
	for i := range a.Spawns {
		if a.Spawns[i] != b.Spawns[i] {
			return false
		}
	}
	for i := range a.Upserts {
		if a.Upserts[i] != b.Upserts[i] {
			return false
		}
	}
	for i := range a.Removes {
		if a.Removes[i] != b.Removes[i] {
			return false
		}
	}
	for i := range a.Despawns {
		if a.Despawns[i] != b.Despawns[i] {
			return false
		}
	}
	return true
}

// TestFrameStream tests reading consecutive frames from a stream
func TestFrameStream(t *testing.T) {
	var stream bytes.Buffer
	_ = WriteFrame(&stream, Frame{Type: FrameAck, Payload: Ack{Tick: 7}.Encode()})
	_ = WriteFrame(&stream, Frame{Type: FrameReliableMessage, Payload: UserMessage{ID: 3, Body: []byte("hi")}.Encode()})

	f, err := ReadFrame(&stream, 0)
	if err != nil || f.Type != FrameAck {
		t.Fatalf("unexpected first frame %v, %v", f.Type, err)
	}
	ack, err := DecodeAck(f.Payload)
	if err != nil || ack.Tick != 7 {
		t.Errorf("unexpected ack %v, %v", ack, err)
	}

	f, err = ReadFrame(&stream, 0)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := DecodeUserMessage(f.Payload)
	if err != nil || msg.ID != 3 || string(msg.Body) != "hi" {
		t.Errorf("unexpected message %v, %v", msg, err)
	}

	if _, err := ReadFrame(&stream, 0); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at frame boundary, got %v", err)
	}
}

// TestFrameErrors tests malformed frame headers and bodies
func TestFrameErrors(t *testing.T) {
	valid := Frame{Type: FrameAck, Payload: []byte{1}}.Encode()

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"unknown type", []byte{99, 0, 0, 0, 0}, ErrUnknownFrame},
		{"short header", valid[:3], ErrTruncated},
		{"short body", AppendFrame(nil, FrameAck, []byte{1, 2, 3})[:6], ErrTruncated},
		{"too large", []byte{byte(FrameAck), 0, 0, 1, 0}, ErrFrameTooLarge},
	}

	for _, tc := range cases {
		_, err := ReadFrame(bytes.NewReader(tc.data), 128)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		var ce *CodecError
		if !errors.As(err, &ce) {
			t.Errorf("%s: expected *CodecError, got %T", tc.name, err)
		}
	}

	if _, err := DecodeFrame(append(valid, 0), 0); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch for trailing datagram bytes, got %v", err)
	}
}

// TestDiffRoundTrip tests both value layouts
func TestDiffRoundTrip(t *testing.T) {
	reg := testRegistry(t)

	for _, prefixed := range []bool{false, true} {
		codec := DiffCodec{Registry: reg, Prefixed: prefixed}
		in := sampleDiff()

		payload, err := codec.Encode(nil, in)
		if err != nil {
			t.Fatal(err)
		}
		out, err := codec.Decode(payload, false)
		if err != nil {
			t.Fatalf("prefixed=%v: %v", prefixed, err)
		}
		if !diffsEqual(in, out) {
			t.Errorf("prefixed=%v: round trip changed diff\n in: %+v\nout: %+v", prefixed, in, out)
		}
	}
}

// TestDiffDeterministic tests that equal diffs encode to equal bytes
func TestDiffDeterministic(t *testing.T) {
	codec := DiffCodec{Registry: testRegistry(t)}
	a, _ := codec.Encode(nil, sampleDiff())
	b, _ := codec.Encode(nil, sampleDiff())
	if !bytes.Equal(a, b) {
		t.Error("encoding is not deterministic")
	}
}

// TestDiffTruncation tests that every prefix of a payload fails cleanly
func TestDiffTruncation(t *testing.T) {
	codec := DiffCodec{Registry: testRegistry(t)}
	payload, err := codec.Encode(nil, sampleDiff())
	if err != nil {
		t.Fatal(err)
	}

	for i := range len(payload) {
		_, err := codec.Decode(payload[:i], false)
		var ce *CodecError
		if !errors.As(err, &ce) {
			t.Fatalf("prefix %d: expected *CodecError, got %v", i, err)
		}
	}

	if _, err := codec.Decode(append(payload, 0), false); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch for trailing bytes, got %v", err)
	}
}

// TestDiffUnknownComponent tests strict and tolerant decoding of unknown types
func TestDiffUnknownComponent(t *testing.T) {
	server := testRegistry(t)
	ecs.MustRegister[int32](server, ecs.Descriptor{ID: 50, Name: "new", Kind: ecs.KindInt32, Networked: true})
	client := testRegistry(t)

	d := sampleDiff()
	d.Upserts = append(d.Upserts, Upsert{Entity: d.Spawns[0], Component: 50, Value: int32(1)})

	strict, _ := DiffCodec{Registry: server}.Encode(nil, d)
	if _, err := (DiffCodec{Registry: client}).Decode(strict, true); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("expected ErrUnknownComponent without prefixes, got %v", err)
	}

	prefixed, _ := DiffCodec{Registry: server, Prefixed: true}.Encode(nil, d)
	if _, err := (DiffCodec{Registry: client}).Decode(prefixed, false); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("expected ErrUnknownComponent when not tolerant, got %v", err)
	}

	out, err := DiffCodec{Registry: client}.Decode(prefixed, true)
	if err != nil {
		t.Fatal(err)
	}
	if out.Skipped != 1 || len(out.Upserts) != 3 {
		t.Errorf("expected 1 skipped and 3 upserts, got %d and %d", out.Skipped, len(out.Upserts))
	}
}

// TestCheckHandshake tests version and schema negotiation
func TestCheckHandshake(t *testing.T) {
	local := Handshake{Version: ProtocolVersion, SchemaHash: 1}

	raw := Handshake{Version: ProtocolVersion, SchemaHash: 2, Tolerant: true, ClientID: "c1"}.Encode()
	remote, err := DecodeHandshake(raw)
	if err != nil {
		t.Fatal(err)
	}
	if remote.ClientID != "c1" || !remote.Tolerant {
		t.Errorf("unexpected handshake %+v", remote)
	}

	if tolerant, err := CheckHandshake(local, remote); err != nil || !tolerant {
		t.Errorf("expected tolerated schema mismatch, got %v, %v", tolerant, err)
	}

	remote.Tolerant = false
	if _, err := CheckHandshake(local, remote); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}

	remote.Version++
	remote.Tolerant = true
	if _, err := CheckHandshake(local, remote); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch even when tolerant, got %v", err)
	}
}
