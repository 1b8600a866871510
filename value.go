package coldoc

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coldocdb/coldoc/errors"
)

// Kind identifies the type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindUndefined
	KindBool
	KindInt32
	KindInt64
	KindFloat64
	KindString
	KindTime
	KindUUID
	KindObjectID
	KindBinary
	KindArray
	KindObject
)

var kindNames = [...]string{
	"null", "undefined", "bool", "int32", "int64", "float64",
	"string", "time", "uuid", "objectid", "binary", "array", "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// OID is a 12-byte object identifier: 4 bytes of seconds since the epoch,
// 5 random bytes fixed per process, and a 3-byte counter.
type OID [12]byte

var (
	oidProcess [5]byte
	oidCounter uint32
)

func init() {
	if _, err := rand.Read(oidProcess[:]); err != nil {
		panic(err)
	}
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err)
	}
	oidCounter = binary.BigEndian.Uint32(seed[:])
}

// NewOID returns a fresh object id ordered roughly by creation time.
func NewOID() OID {
	var id OID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], oidProcess[:])
	n := atomic.AddUint32(&oidCounter, 1)
	id[9] = byte(n >> 16)
	id[10] = byte(n >> 8)
	id[11] = byte(n)
	return id
}

func OIDFromHex(s string) (OID, error) {
	var id OID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(err, "object id")
	}
	if len(b) != len(id) {
		return id, errors.Newf(errors.ErrBadData, "object id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id OID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id OID) String() string {
	return id.Hex()
}

// Value is one node of a document tree: a scalar, an array, or an object.
// The zero Value is null.
type Value struct {
	kind Kind
	num  uint64
	str  string
	raw  []byte
	arr  []Value
	obj  *Document
}

func Null() Value { return Value{kind: KindNull} }
func Undefined() Value { return Value{kind: KindUndefined} }

func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

func Int32(v int32) Value { return Value{kind: KindInt32, num: uint64(uint32(v))} }
func Int64(v int64) Value { return Value{kind: KindInt64, num: uint64(v)} }
func Float64(v float64) Value {
	return Value{kind: KindFloat64, num: math.Float64bits(v)}
}
func String(v string) Value { return Value{kind: KindString, str: v} }

// Time truncates to millisecond precision in UTC, which is what the
// storage encoding preserves.
func Time(v time.Time) Value {
	return Value{kind: KindTime, num: uint64(v.UnixMilli())}
}

func UUID(v uuid.UUID) Value {
	return Value{kind: KindUUID, raw: append([]byte(nil), v[:]...)}
}

func ObjectID(v OID) Value {
	return Value{kind: KindObjectID, raw: append([]byte(nil), v[:]...)}
}

// Binary holds v without copying; the caller must not mutate it afterwards.
func Binary(v []byte) Value {
	return Value{kind: KindBinary, raw: v}
}

func Array(els ...Value) Value {
	return Value{kind: KindArray, arr: els}
}

func Object(d *Document) Value {
	if d == nil {
		d = NewDocument()
	}
	return Value{kind: KindObject, obj: d}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// The typed accessors follow the reflect.Value convention: they panic when
// the Value holds a different kind. Check Kind first on untrusted input.

func (v Value) mustKind(k Kind, what string) {
	if v.kind != k {
		panic(fmt.Errorf("coldoc: %s called on %v value", what, v.kind))
	}
}

func (v Value) Bool() bool {
	v.mustKind(KindBool, "Bool")
	return v.num != 0
}

func (v Value) Int32() int32 {
	v.mustKind(KindInt32, "Int32")
	return int32(uint32(v.num))
}

func (v Value) Int64() int64 {
	v.mustKind(KindInt64, "Int64")
	return int64(v.num)
}

// AsInt64 widens Int32 values; ok is false for any other kind.
func (v Value) AsInt64() (int64, bool) {
	switch v.kind {
	case KindInt32:
		return int64(int32(uint32(v.num))), true
	case KindInt64:
		return int64(v.num), true
	}
	return 0, false
}

func (v Value) Float64() float64 {
	v.mustKind(KindFloat64, "Float64")
	return math.Float64frombits(v.num)
}

func (v Value) Str() string {
	v.mustKind(KindString, "Str")
	return v.str
}

func (v Value) Time() time.Time {
	v.mustKind(KindTime, "Time")
	return time.UnixMilli(int64(v.num)).UTC()
}

func (v Value) UUID() uuid.UUID {
	v.mustKind(KindUUID, "UUID")
	var u uuid.UUID
	copy(u[:], v.raw)
	return u
}

func (v Value) ObjectID() OID {
	v.mustKind(KindObjectID, "ObjectID")
	var id OID
	copy(id[:], v.raw)
	return id
}

func (v Value) Binary() []byte {
	v.mustKind(KindBinary, "Binary")
	return v.raw
}

func (v Value) Array() []Value {
	v.mustKind(KindArray, "Array")
	return v.arr
}

func (v Value) Object() *Document {
	v.mustKind(KindObject, "Object")
	return v.obj
}

// Equal compares values deeply. Arrays compare element-wise in order;
// objects compare by key set, insertion order does not matter.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull, KindUndefined:
		return true
	case KindBool, KindInt32, KindInt64, KindFloat64, KindTime:
		return v.num == other.num
	case KindString:
		return v.str == other.str
	case KindUUID, KindObjectID, KindBinary:
		return string(v.raw) == string(other.raw)
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj.Equal(other.obj)
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindUndefined:
		return "undefined"
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindInt32:
		return strconv.FormatInt(int64(int32(uint32(v.num))), 10)
	case KindInt64:
		return strconv.FormatInt(int64(v.num), 10)
	case KindFloat64:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.str)
	case KindTime:
		return time.UnixMilli(int64(v.num)).UTC().Format(time.RFC3339Nano)
	case KindUUID:
		u := v.UUID()
		return u.String()
	case KindObjectID:
		return v.ObjectID().Hex()
	case KindBinary:
		return "0x" + hex.EncodeToString(v.raw)
	case KindArray:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, el := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(el.String())
		}
		sb.WriteByte(']')
		return sb.String()
	case KindObject:
		return v.obj.String()
	}
	return "<invalid>"
}

// PathDelimiter joins nested object keys and array indices into flat field
// paths. It is reserved: a field name containing it cannot be stored.
const PathDelimiter = "."

// Document is an ordered map of field names to values. Field order is
// insertion order; names are unique.
type Document struct {
	names []string
	vals  []Value
	index map[string]int
}

func NewDocument() *Document {
	return &Document{index: make(map[string]int)}
}

func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.names)
}

// Names returns the field names in insertion order. The slice is shared;
// do not modify it.
func (d *Document) Names() []string {
	return d.names
}

// Field returns the value of a direct (not nested) field.
func (d *Document) Field(name string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	i, ok := d.index[name]
	if !ok {
		return Value{}, false
	}
	return d.vals[i], true
}

// SetField sets a direct field, preserving its position if it already
// exists. Returns d for chaining.
func (d *Document) SetField(name string, v Value) *Document {
	if i, ok := d.index[name]; ok {
		d.vals[i] = v
		return d
	}
	d.index[name] = len(d.names)
	d.names = append(d.names, name)
	d.vals = append(d.vals, v)
	return d
}

// DeleteField removes a direct field, preserving the order of the rest.
func (d *Document) DeleteField(name string) bool {
	i, ok := d.index[name]
	if !ok {
		return false
	}
	d.names = append(d.names[:i], d.names[i+1:]...)
	d.vals = append(d.vals[:i], d.vals[i+1:]...)
	delete(d.index, name)
	for j := i; j < len(d.names); j++ {
		d.index[d.names[j]] = j
	}
	return true
}

// Get resolves a dotted path ("a.b.0.c"); numeric segments index arrays.
func (d *Document) Get(path string) (Value, bool) {
	segs := strings.Split(path, PathDelimiter)
	cur, ok := d.Field(segs[0])
	if !ok {
		return Value{}, false
	}
	for _, seg := range segs[1:] {
		switch cur.kind {
		case KindObject:
			cur, ok = cur.obj.Field(seg)
			if !ok {
				return Value{}, false
			}
		case KindArray:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur.arr) {
				return Value{}, false
			}
			cur = cur.arr[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Set writes a value at a dotted path, creating intermediate objects for
// missing segments. Array elements cannot be addressed; set the whole
// array instead. Set panics when the path traverses a scalar or an array;
// it is meant for building documents, not for probing untrusted paths.
func (d *Document) Set(path string, v Value) *Document {
	segs := strings.Split(path, PathDelimiter)
	if len(segs) == 1 {
		return d.SetField(path, v)
	}
	cur, ok := d.Field(segs[0])
	if !ok {
		cur = Object(NewDocument())
		d.SetField(segs[0], cur)
	}
	setPath(cur, segs[1:], path, v)
	return d
}

func setPath(cur Value, segs []string, full string, v Value) {
	for i, seg := range segs {
		last := i == len(segs)-1
		switch cur.kind {
		case KindObject:
			if last {
				cur.obj.SetField(seg, v)
				return
			}
			next, ok := cur.obj.Field(seg)
			if !ok {
				next = Object(NewDocument())
				cur.obj.SetField(seg, next)
			}
			cur = next
		case KindArray:
			panic(fmt.Errorf("coldoc: Set cannot address into array element %q of path %q; set the whole array", seg, full))
		default:
			panic(fmt.Errorf("coldoc: Set path %q traverses a %v value at %q", full, cur.kind, seg))
		}
	}
}

// Delete removes the value at a dotted path. Array elements cannot be
// deleted individually.
func (d *Document) Delete(path string) bool {
	segs := strings.Split(path, PathDelimiter)
	if len(segs) == 1 {
		return d.DeleteField(path)
	}
	parent, ok := d.Get(strings.Join(segs[:len(segs)-1], PathDelimiter))
	if !ok || parent.kind != KindObject {
		return false
	}
	return parent.obj.DeleteField(segs[len(segs)-1])
}

// Equal compares key sets and values; field order does not matter.
func (d *Document) Equal(other *Document) bool {
	if d.Len() != other.Len() {
		return false
	}
	for i, name := range d.names {
		ov, ok := other.Field(name)
		if !ok || !d.vals[i].Equal(ov) {
			return false
		}
	}
	return true
}

// Clone makes a deep copy; binary payloads are shared (values are
// treated as immutable).
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		names: append([]string(nil), d.names...),
		vals:  make([]Value, len(d.vals)),
		index: make(map[string]int, len(d.index)),
	}
	for k, v := range d.index {
		out.index[k] = v
	}
	for i, v := range d.vals {
		out.vals[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch v.kind {
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, el := range v.arr {
			arr[i] = cloneValue(el)
		}
		return Value{kind: KindArray, arr: arr}
	case KindObject:
		return Value{kind: KindObject, obj: v.obj.Clone()}
	default:
		return v
	}
}

func (d *Document) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range d.names {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Quote(name))
		sb.WriteByte(':')
		sb.WriteString(d.vals[i].String())
	}
	sb.WriteByte('}')
	return sb.String()
}
