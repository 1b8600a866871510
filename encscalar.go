package coldoc

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/coldocdb/coldoc/errors"
)

// Every stored column value starts with a two-byte ASCII type tag; the
// payload that follows uses an order-preserving encoding for the ordered
// kinds, so that byte comparison of stored values (in filters and in
// index keys) agrees with value order within a kind.
const (
	tagNull      = "nu"
	tagUndefined = "un"
	tagBool      = "bo"
	tagInt32     = "i4"
	tagInt64     = "i8"
	tagFloat64   = "f8"
	tagString    = "st"
	tagTime      = "ts"
	tagUUID      = "uu"
	tagObjectID  = "oi"
	tagBinary    = "bi"
	tagArray     = "ar" // payload: element count, int32 encoding
	tagObject    = "ob" // payload: empty marker
)

const tagLen = 2

func kindTag(k Kind) (string, bool) {
	switch k {
	case KindNull:
		return tagNull, true
	case KindUndefined:
		return tagUndefined, true
	case KindBool:
		return tagBool, true
	case KindInt32:
		return tagInt32, true
	case KindInt64:
		return tagInt64, true
	case KindFloat64:
		return tagFloat64, true
	case KindString:
		return tagString, true
	case KindTime:
		return tagTime, true
	case KindUUID:
		return tagUUID, true
	case KindObjectID:
		return tagObjectID, true
	case KindBinary:
		return tagBinary, true
	case KindArray:
		return tagArray, true
	case KindObject:
		return tagObject, true
	}
	return "", false
}

// appendOrderedUint32 and friends write big-endian with the sign bit
// flipped, which makes the unsigned byte order match signed value order.
func appendOrderedInt32(buf []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v)^(1<<31))
	return append(buf, b[:]...)
}

func orderedInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b) ^ (1 << 31))
}

func appendOrderedInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return append(buf, b[:]...)
}

func orderedInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// Floats use the usual order-preserving transform: non-negative values
// get the sign bit set, negative values have all bits flipped.
func appendOrderedFloat64(buf []byte, v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return append(buf, b[:]...)
}

func orderedFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// appendScalar appends the type-tagged encoding of a scalar value.
// Containers are rejected: objects and arrays are flattened by the
// document codec, not stored as single columns.
func appendScalar(buf []byte, v Value) ([]byte, error) {
	switch v.kind {
	case KindNull:
		return append(buf, tagNull...), nil
	case KindUndefined:
		return append(buf, tagUndefined...), nil
	case KindBool:
		buf = append(buf, tagBool...)
		if v.num != 0 {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case KindInt32:
		buf = append(buf, tagInt32...)
		return appendOrderedInt32(buf, int32(uint32(v.num))), nil
	case KindInt64:
		buf = append(buf, tagInt64...)
		return appendOrderedInt64(buf, int64(v.num)), nil
	case KindFloat64:
		buf = append(buf, tagFloat64...)
		return appendOrderedFloat64(buf, math.Float64frombits(v.num)), nil
	case KindString:
		buf = append(buf, tagString...)
		return append(buf, v.str...), nil
	case KindTime:
		buf = append(buf, tagTime...)
		return appendOrderedInt64(buf, int64(v.num)), nil
	case KindUUID:
		buf = append(buf, tagUUID...)
		return append(buf, v.raw...), nil
	case KindObjectID:
		buf = append(buf, tagObjectID...)
		return append(buf, v.raw...), nil
	case KindBinary:
		buf = append(buf, tagBinary...)
		return append(buf, v.raw...), nil
	}
	return nil, errors.Newf(errors.ErrUnsupportedType, "no scalar encoding for %v", v.kind)
}

// EncodeScalar returns the stored byte representation of a scalar value:
// the representation shared by column values, filter operands and index
// key components.
func EncodeScalar(v Value) ([]byte, error) {
	return appendScalar(nil, v)
}

// DecodeScalar decodes a stored column value. Container tags (written by
// the document codec for arrays and objects) are rejected here.
func DecodeScalar(data []byte) (Value, error) {
	tag, payload, err := splitTag(data)
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case tagNull:
		if len(payload) != 0 {
			return Value{}, dataErrf(data, tagLen, nil, "null with payload")
		}
		return Null(), nil
	case tagUndefined:
		if len(payload) != 0 {
			return Value{}, dataErrf(data, tagLen, nil, "undefined with payload")
		}
		return Undefined(), nil
	case tagBool:
		if len(payload) != 1 || payload[0] > 1 {
			return Value{}, dataErrf(data, tagLen, nil, "invalid bool payload")
		}
		return Bool(payload[0] == 1), nil
	case tagInt32:
		if len(payload) != 4 {
			return Value{}, dataErrf(data, tagLen, nil, "int32 payload must be 4 bytes, got %d", len(payload))
		}
		return Int32(orderedInt32(payload)), nil
	case tagInt64:
		if len(payload) != 8 {
			return Value{}, dataErrf(data, tagLen, nil, "int64 payload must be 8 bytes, got %d", len(payload))
		}
		return Int64(orderedInt64(payload)), nil
	case tagFloat64:
		if len(payload) != 8 {
			return Value{}, dataErrf(data, tagLen, nil, "float64 payload must be 8 bytes, got %d", len(payload))
		}
		return Float64(orderedFloat64(payload)), nil
	case tagString:
		return String(string(payload)), nil
	case tagTime:
		if len(payload) != 8 {
			return Value{}, dataErrf(data, tagLen, nil, "time payload must be 8 bytes, got %d", len(payload))
		}
		return Time(time.UnixMilli(orderedInt64(payload))), nil
	case tagUUID:
		if len(payload) != 16 {
			return Value{}, dataErrf(data, tagLen, nil, "uuid payload must be 16 bytes, got %d", len(payload))
		}
		var u uuid.UUID
		copy(u[:], payload)
		return UUID(u), nil
	case tagObjectID:
		if len(payload) != 12 {
			return Value{}, dataErrf(data, tagLen, nil, "object id payload must be 12 bytes, got %d", len(payload))
		}
		var id OID
		copy(id[:], payload)
		return ObjectID(id), nil
	case tagBinary:
		return Binary(append([]byte(nil), payload...)), nil
	case tagArray, tagObject:
		return Value{}, dataErrf(data, 0, nil, "container tag %q in scalar position", tag)
	}
	return Value{}, dataErrf(data, 0, nil, "unknown type tag %q", tag)
}

func splitTag(data []byte) (string, []byte, error) {
	if len(data) < tagLen {
		return "", nil, dataErrf(data, 0, nil, "value shorter than a type tag")
	}
	return string(data[:tagLen]), data[tagLen:], nil
}

// EncodeCounter returns the stored form of a counter column. Counters
// share the int64 scalar representation so that incremented fields read
// back through the document codec.
func EncodeCounter(v int64) []byte {
	buf := append(make([]byte, 0, tagLen+8), tagInt64...)
	return appendOrderedInt64(buf, v)
}

// DecodeCounter parses a counter column written by EncodeCounter or by
// the scalar encoder for an int64 field. A missing (nil) value reads as
// zero so that incrementing a nonexistent counter starts from nothing.
func DecodeCounter(data []byte) (int64, error) {
	if data == nil {
		return 0, nil
	}
	v, err := DecodeScalar(data)
	if err != nil {
		return 0, err
	}
	n, ok := v.AsInt64()
	if !ok {
		return 0, errors.Newf(errors.ErrInvalidOperation, "column holds %v, not a counter", v.Kind())
	}
	return n, nil
}
