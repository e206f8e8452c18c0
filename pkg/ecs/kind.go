package ecs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

var ErrShortValue = errors.New("component value truncated")

// Kind selects the fixed binary layout of a component type. The set is closed:
// every registered type maps onto exactly one kind at registration time.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindVec2
	KindVec3
	KindVec4
	KindQuat
	KindString
	KindBytes
	KindEntity
	KindBlob
	kindCount
)

var kindNames = [kindCount]string{
	"empty", "bool", "int32", "int64", "uint32", "uint64", "float32", "float64",
	"vec2", "vec3", "vec4", "quat", "string", "bytes", "entity", "blob",
}

func (k Kind) String() string {
	if !k.Valid() {
		return "invalid"
	}
	return kindNames[k]
}

func (k Kind) Valid() bool {
	return k < kindCount
}

// Size returns the fixed encoded size of a value of this kind, or -1 if values
// are written with a uvarint length prefix.
func (k Kind) Size() int {
	switch k {
	case KindEmpty:
		return 0
	case KindBool:
		return 1
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64, KindVec2, KindEntity:
		return 8
	case KindVec3:
		return 12
	case KindVec4, KindQuat:
		return 16
	}
	return -1
}

func kindAccepts(k Kind, v any) bool {
	var ok bool
	switch k {
	case KindEmpty:
		ok = true
	case KindBool:
		_, ok = v.(bool)
	case KindInt32:
		_, ok = v.(int32)
	case KindInt64:
		_, ok = v.(int64)
	case KindUint32:
		_, ok = v.(uint32)
	case KindUint64:
		_, ok = v.(uint64)
	case KindFloat32:
		_, ok = v.(float32)
	case KindFloat64:
		_, ok = v.(float64)
	case KindVec2:
		_, ok = v.(mgl32.Vec2)
	case KindVec3:
		_, ok = v.(mgl32.Vec3)
	case KindVec4:
		_, ok = v.(mgl32.Vec4)
	case KindQuat:
		_, ok = v.(mgl32.Quat)
	case KindString:
		_, ok = v.(string)
	case KindBytes:
		_, ok = v.([]byte)
	case KindEntity:
		_, ok = v.(Entity)
	case KindBlob:
		ok = v != nil
	}
	return ok
}

func defaultEqual(k Kind) EqualFunc {
	switch k {
	case KindEmpty:
		// Tags carry no data, so two values never differ.
		return func(a, b any) bool { return true }
	case KindBytes:
		return func(a, b any) bool {
			x, _ := a.([]byte)
			y, _ := b.([]byte)
			return bytes.Equal(x, y)
		}
	}
	return func(a, b any) bool { return a == b }
}

func appendFloats(dst []byte, fs ...float32) []byte {
	for _, f := range fs {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

func readFloats(src []byte, out []float32) {
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}

// appendKind writes v using the layout of k. Blob is handled by the descriptor.
func appendKind(dst []byte, k Kind, v any) []byte {
	switch k {
	case KindBool:
		if v.(bool) {
			return append(dst, 1)
		}
		return append(dst, 0)
	case KindInt32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v.(int32)))
	case KindInt64:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.(int64)))
	case KindUint32:
		return binary.LittleEndian.AppendUint32(dst, v.(uint32))
	case KindUint64:
		return binary.LittleEndian.AppendUint64(dst, v.(uint64))
	case KindFloat32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.(float32)))
	case KindFloat64:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.(float64)))
	case KindVec2:
		vec := v.(mgl32.Vec2)
		return appendFloats(dst, vec[:]...)
	case KindVec3:
		vec := v.(mgl32.Vec3)
		return appendFloats(dst, vec[:]...)
	case KindVec4:
		vec := v.(mgl32.Vec4)
		return appendFloats(dst, vec[:]...)
	case KindQuat:
		q := v.(mgl32.Quat)
		return appendFloats(dst, q.W, q.V[0], q.V[1], q.V[2])
	case KindString:
		s := v.(string)
		dst = binary.AppendUvarint(dst, uint64(len(s)))
		return append(dst, s...)
	case KindBytes:
		b := v.([]byte)
		dst = binary.AppendUvarint(dst, uint64(len(b)))
		return append(dst, b...)
	case KindEntity:
		e := v.(Entity)
		dst = binary.LittleEndian.AppendUint32(dst, e.Index)
		return binary.LittleEndian.AppendUint32(dst, e.Generation)
	}
	return dst
}

// readKind decodes one value of kind k from the front of src and reports the
// number of bytes consumed.
func readKind(src []byte, k Kind) (any, int, error) {
	if size := k.Size(); size >= 0 {
		if len(src) < size {
			return nil, 0, ErrShortValue
		}
		return readFixed(src, k), size, nil
	}

	l, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, 0, ErrShortValue
	}
	end := n + int(l)
	if l > uint64(len(src)) || end > len(src) {
		return nil, 0, ErrShortValue
	}

	switch k {
	case KindString:
		return string(src[n:end]), end, nil
	default:
		b := make([]byte, l)
		copy(b, src[n:end])
		return b, end, nil
	}
}

func readFixed(src []byte, k Kind) any {
	switch k {
	case KindEmpty:
		return struct{}{}
	case KindBool:
		return src[0] != 0
	case KindInt32:
		return int32(binary.LittleEndian.Uint32(src))
	case KindInt64:
		return int64(binary.LittleEndian.Uint64(src))
	case KindUint32:
		return binary.LittleEndian.Uint32(src)
	case KindUint64:
		return binary.LittleEndian.Uint64(src)
	case KindFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(src))
	case KindFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	case KindVec2:
		var v mgl32.Vec2
		readFloats(src, v[:])
		return v
	case KindVec3:
		var v mgl32.Vec3
		readFloats(src, v[:])
		return v
	case KindVec4:
		var v mgl32.Vec4
		readFloats(src, v[:])
		return v
	case KindQuat:
		var f [4]float32
		readFloats(src, f[:])
		return mgl32.Quat{W: f[0], V: mgl32.Vec3{f[1], f[2], f[3]}}
	case KindEntity:
		return Entity{
			Index:      binary.LittleEndian.Uint32(src),
			Generation: binary.LittleEndian.Uint32(src[4:]),
		}
	}
	return nil
}
