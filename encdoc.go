package coldoc

import (
	"sort"
	"strconv"
	"strings"

	"github.com/coldocdb/coldoc/errors"
)

// DefaultFamily stores the fields a locality map does not route elsewhere.
const DefaultFamily = "doc"

// LocalityMap routes top-level document fields to column families. Nested
// fields live in the family of their top-level ancestor. The map is fixed
// at table creation; the codec reads it on every encode and decode. The
// zero value routes everything to DefaultFamily.
type LocalityMap struct {
	Default string            `msgpack:"default"`
	Fields  map[string]string `msgpack:"fields,omitempty"`
}

func (m LocalityMap) defaultFamily() string {
	if m.Default != "" {
		return m.Default
	}
	return DefaultFamily
}

// FamilyOf returns the family that stores the given top-level field.
func (m LocalityMap) FamilyOf(field string) string {
	if fam, ok := m.Fields[field]; ok {
		return fam
	}
	return m.defaultFamily()
}

// Families returns every family the map can route to, sorted.
func (m LocalityMap) Families() []string {
	fams := []string{m.defaultFamily()}
	seen := map[string]bool{fams[0]: true}
	for _, fam := range m.Fields {
		if !seen[fam] {
			seen[fam] = true
			fams = append(fams, fam)
		}
	}
	sort.Strings(fams)
	return fams
}

// FamiliesFor returns the minimal family set that must be fetched to
// decode the given fields: exactly the families the map associates with
// them, nothing more. With no fields it returns Families. Dotted paths
// resolve through their top-level segment.
func (m LocalityMap) FamiliesFor(fields ...string) []string {
	if len(fields) == 0 {
		return m.Families()
	}
	var fams []string
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		fam := m.FamilyOf(topLevelSegment(f))
		if !seen[fam] {
			seen[fam] = true
			fams = append(fams, fam)
		}
	}
	sort.Strings(fams)
	return fams
}

func topLevelSegment(path string) string {
	if i := strings.Index(path, PathDelimiter); i >= 0 {
		return path[:i]
	}
	return path
}

func checkFieldName(name string) error {
	if name == "" {
		return errors.New(errors.ErrInvalidOperation, "empty field name")
	}
	if strings.Contains(name, PathDelimiter) {
		return errors.Newf(errors.ErrInvalidOperation, "field name %q contains the path delimiter", name)
	}
	return nil
}

func encodeArrayLen(n int) []byte {
	return appendOrderedInt32([]byte(tagArray), int32(n))
}

var objectMarker = []byte(tagObject)

// Codec is the bidirectional mapping between a document value tree and
// flat column entries. Encode and Decode are inverses for every
// representable tree.
type Codec struct {
	Locality LocalityMap
}

// Encode flattens doc into column entries grouped by family. Every node
// of the tree becomes one column whose qualifier is the dot-joined field
// path: scalars carry their type-tagged encoding, arrays carry a tagged
// element count at the array's own path, nested objects carry an object
// marker. All columns are stamped with ts.
func (c *Codec) Encode(doc *Document, ts int64) ([]Family, error) {
	enc := docEncoder{fams: make(map[string]*Family), ts: ts}
	for _, name := range doc.Names() {
		if err := checkFieldName(name); err != nil {
			return nil, err
		}
		v, _ := doc.Field(name)
		if err := enc.walk(c.Locality.FamilyOf(name), name, v); err != nil {
			return nil, err
		}
	}
	return enc.finish(), nil
}

type docEncoder struct {
	fams map[string]*Family
	ts   int64
}

func (enc *docEncoder) emit(fam, path string, value []byte) {
	f := enc.fams[fam]
	if f == nil {
		f = &Family{Name: fam}
		enc.fams[fam] = f
	}
	f.Columns = append(f.Columns, Column{
		Qualifier: ByteKey(path),
		Value:     value,
		Timestamp: enc.ts,
	})
}

func (enc *docEncoder) walk(fam, path string, v Value) error {
	switch v.Kind() {
	case KindArray:
		arr := v.Array()
		enc.emit(fam, path, encodeArrayLen(len(arr)))
		for i, el := range arr {
			if err := enc.walk(fam, path+PathDelimiter+strconv.Itoa(i), el); err != nil {
				return err
			}
		}
		return nil
	case KindObject:
		enc.emit(fam, path, objectMarker)
		obj := v.Object()
		for _, name := range obj.Names() {
			if err := checkFieldName(name); err != nil {
				return err
			}
			fv, _ := obj.Field(name)
			if err := enc.walk(fam, path+PathDelimiter+name, fv); err != nil {
				return err
			}
		}
		return nil
	default:
		raw, err := EncodeScalar(v)
		if err != nil {
			return err
		}
		enc.emit(fam, path, raw)
		return nil
	}
}

func (enc *docEncoder) finish() []Family {
	fams := make([]Family, 0, len(enc.fams))
	for _, f := range enc.fams {
		sort.Slice(f.Columns, func(i, j int) bool {
			return Compare(f.Columns[i].Qualifier, f.Columns[j].Qualifier) < 0
		})
		fams = append(fams, *f)
	}
	sort.Slice(fams, func(i, j int) bool { return fams[i].Name < fams[j].Name })
	return fams
}

// Decode reconstructs a document from fetched column families. When
// fields are given, only those top-level fields are reconstructed and
// every other column is ignored; otherwise everything present is decoded.
// Object fields come back in qualifier order.
func (c *Codec) Decode(fams []Family, fields ...string) (*Document, error) {
	var want map[string]bool
	if len(fields) > 0 {
		want = make(map[string]bool, len(fields))
		for _, f := range fields {
			want[topLevelSegment(f)] = true
		}
	}
	dec := docDecoder{
		cols:      make(map[string][]byte),
		children:  make(map[string][]string),
		childSeen: make(map[string]map[string]bool),
	}
	for i := range fams {
		for j := range fams[i].Columns {
			col := &fams[i].Columns[j]
			path := string(col.Qualifier)
			if want != nil && !want[topLevelSegment(path)] {
				continue
			}
			dec.cols[path] = col.Value
			dec.addPath(path)
		}
	}
	for _, segs := range dec.children {
		sort.Strings(segs)
	}
	doc := NewDocument()
	for _, name := range dec.children[""] {
		v, err := dec.value(name)
		if err != nil {
			return nil, err
		}
		doc.SetField(name, v)
	}
	return doc, nil
}

type docDecoder struct {
	cols      map[string][]byte
	children  map[string][]string
	childSeen map[string]map[string]bool
}

func (d *docDecoder) addPath(path string) {
	parent := ""
	for i, seg := range strings.Split(path, PathDelimiter) {
		m := d.childSeen[parent]
		if m == nil {
			m = make(map[string]bool)
			d.childSeen[parent] = m
		}
		if !m[seg] {
			m[seg] = true
			d.children[parent] = append(d.children[parent], seg)
		}
		if i == 0 {
			parent = seg
		} else {
			parent += PathDelimiter + seg
		}
	}
}

func (d *docDecoder) value(path string) (Value, error) {
	raw, ok := d.cols[path]
	if !ok {
		return Value{}, errors.Newf(errors.ErrBadData, "no column for path %q", path)
	}
	tag, payload, err := splitTag(raw)
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case tagArray:
		n, err := decodeArrayLen(raw)
		if err != nil {
			return Value{}, err
		}
		elems := make([]Value, n)
		for i := 0; i < n; i++ {
			el, err := d.value(path + PathDelimiter + strconv.Itoa(i))
			if err != nil {
				return Value{}, err
			}
			elems[i] = el
		}
		return Array(elems...), nil
	case tagObject:
		if len(payload) != 0 {
			return Value{}, dataErrf(raw, tagLen, nil, "object marker with payload")
		}
		obj := NewDocument()
		for _, seg := range d.children[path] {
			v, err := d.value(path + PathDelimiter + seg)
			if err != nil {
				return Value{}, err
			}
			obj.SetField(seg, v)
		}
		return Object(obj), nil
	default:
		return DecodeScalar(raw)
	}
}

func decodeArrayLen(data []byte) (int, error) {
	_, payload, err := splitTag(data)
	if err != nil {
		return 0, err
	}
	if len(payload) != 4 {
		return 0, dataErrf(data, tagLen, nil, "array length payload must be 4 bytes, got %d", len(payload))
	}
	n := orderedInt32(payload)
	if n < 0 {
		return 0, dataErrf(data, tagLen, nil, "negative array length %d", n)
	}
	return int(n), nil
}
