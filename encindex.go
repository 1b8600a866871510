package coldoc

import (
	"strings"

	"github.com/coldocdb/coldoc/errors"
)

// SortOrder is the direction of one indexed column.
type SortOrder uint8

const (
	Ascending SortOrder = iota
	Descending
)

func (o SortOrder) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// IndexColumn names one indexed field path and its sort order. Descending
// columns store the bit complement of the value bytes, which reverses
// their order inside the ascending-only key space.
type IndexColumn struct {
	Path  string
	Order SortOrder
}

// IndexDef describes a secondary index. One column makes a simple index;
// two or more make a composite index. All indexed paths must live in one
// owning family; Family may be left empty to resolve it from the table's
// locality map.
type IndexDef struct {
	Name    string
	Family  string
	Columns []IndexColumn
	Unique  bool
}

// IndexFamily is the column family of every index table.
const IndexFamily = "idx"

// UniqueMarker is the qualifier of the single cell in a unique index
// entry; the cell value is the base row key.
var UniqueMarker = ByteKey("__key__")

func (def *IndexDef) IsComposite() bool { return len(def.Columns) >= 2 }

// keyPrefix starts every row key of this index: the index name plus a
// zero byte, which no index name may contain.
func (def *IndexDef) keyPrefix() ByteKey {
	p := make(ByteKey, 0, len(def.Name)+1)
	p = append(p, def.Name...)
	return append(p, 0)
}

// resolve validates the definition against a locality map and fills in
// the owning family when it was left empty.
func (def *IndexDef) resolve(loc LocalityMap) error {
	if def.Name == "" {
		return errors.New(errors.ErrInvalidOperation, "index must have a name")
	}
	if strings.IndexByte(def.Name, 0) >= 0 {
		return errors.Newf(errors.ErrInvalidOperation, "index name %q contains a zero byte", def.Name)
	}
	if len(def.Columns) == 0 {
		return errors.Newf(errors.ErrInvalidOperation, "index %s has no columns", def.Name)
	}
	fam := def.Family
	for _, col := range def.Columns {
		if col.Path == "" {
			return errors.Newf(errors.ErrInvalidOperation, "index %s has an empty column path", def.Name)
		}
		for _, seg := range strings.Split(col.Path, PathDelimiter) {
			if seg == "" {
				return errors.Newf(errors.ErrInvalidOperation, "index %s column path %q has an empty segment", def.Name, col.Path)
			}
		}
		colFam := loc.FamilyOf(topLevelSegment(col.Path))
		if fam == "" {
			fam = colFam
		} else if colFam != fam {
			return errors.Newf(errors.ErrInvalidOperation, "index %s spans families %s and %s", def.Name, fam, colFam)
		}
	}
	def.Family = fam
	return nil
}

// IndexEntry is one derived index cell, ready to write to (or delete
// from) the index table. Entries are never authored directly; they are a
// deterministic function of the base row's key and column data.
type IndexEntry struct {
	Index     string
	Unique    bool
	RowKey    ByteKey
	Qualifier ByteKey
	Value     []byte
	Timestamp int64
}

func indexedColumn(fams []Family, family, path string) ([]byte, int64, bool) {
	for i := range fams {
		if fams[i].Name != family {
			continue
		}
		if col, ok := fams[i].Column(ByteKey(path)); ok {
			return col.Value, col.Timestamp, true
		}
	}
	return nil, 0, false
}

// DeriveEntry computes the index cell for one base row from its column
// data. An indexed field absent from the row contributes the empty byte
// string. The entry timestamp is the largest timestamp among contributing
// columns, zero when none are present.
//
// Simple index row key: prefix ++ value bytes (complemented when
// descending) ++ base row key. Composite row key: prefix ++ concatenated
// value bytes ++ one big-endian uint32 length per component, so the key
// splits unambiguously; the base row key travels only in the cell. The
// component bytes and length suffix must stay under a 64KB working
// buffer; reaching it fails with ErrIndexKeyTooLarge.
func (def *IndexDef) DeriveEntry(baseKey ByteKey, fams []Family) (IndexEntry, error) {
	prefix := def.keyPrefix()
	var ts int64

	if !def.IsComposite() {
		col := def.Columns[0]
		v, cts, ok := indexedColumn(fams, def.Family, col.Path)
		if ok && cts > ts {
			ts = cts
		}
		key := make(ByteKey, 0, len(prefix)+len(v)+len(baseKey))
		key = append(key, prefix...)
		start := len(key)
		key = append(key, v...)
		if col.Order == Descending {
			complementRange(key[start:])
		}
		key = append(key, baseKey...)
		return def.finishEntry(key, baseKey, ts), nil
	}

	work := indexBytesPool.Get().([]byte)
	defer releaseIndexBytes(work)
	w := newBoundedBuf(work, maxIndexKeyLen)
	lens := make([]uint32, 0, len(def.Columns))
	for _, col := range def.Columns {
		v, cts, _ := indexedColumn(fams, def.Family, col.Path)
		if cts > ts {
			ts = cts
		}
		start := w.Len()
		w.Append(v)
		if col.Order == Descending {
			complementRange(w.Bytes()[start:])
		}
		lens = append(lens, uint32(len(v)))
	}
	for _, n := range lens {
		w.AppendUint32(n)
	}
	if w.Overflowed() {
		return IndexEntry{}, errors.Newf(errors.ErrIndexKeyTooLarge, "index %s entry for row %s exceeds %d bytes", def.Name, baseKey, maxIndexKeyLen)
	}
	key := make(ByteKey, 0, len(prefix)+w.Len())
	key = append(key, prefix...)
	key = append(key, w.Bytes()...)
	return def.finishEntry(key, baseKey, ts), nil
}

// finishEntry applies the unique/non-unique cell layout: unique entries
// keep the base row key in the cell value under a fixed marker qualifier;
// non-unique entries use the base row key as the qualifier, so several
// base rows with equal indexed values become distinct cells.
func (def *IndexDef) finishEntry(key, baseKey ByteKey, ts int64) IndexEntry {
	if def.Unique {
		return IndexEntry{Index: def.Name, Unique: true, RowKey: key, Qualifier: UniqueMarker, Value: baseKey, Timestamp: ts}
	}
	return IndexEntry{Index: def.Name, RowKey: key, Qualifier: baseKey, Value: emptyIndexValue, Timestamp: ts}
}

// splitKey recovers the component value bytes of a composite index row
// key using the fixed-width length suffix. Descending components come
// back un-complemented. Simple index keys carry no length suffix and are
// split by the caller, which knows the base key length.
func (def *IndexDef) splitKey(rowKey ByteKey) ([][]byte, error) {
	n := len(def.Columns)
	prefix := def.keyPrefix()
	if !rowKey.HasPrefix(prefix) {
		return nil, dataErrf(rowKey, 0, nil, "row key does not belong to index %s", def.Name)
	}
	body := rowKey[len(prefix):]
	if len(body) < 4*n {
		return nil, dataErrf(rowKey, len(prefix), nil, "composite key shorter than its length suffix")
	}
	d := byteDecoder{Orig: rowKey, Buf: body[len(body)-4*n:]}
	lens := make([]int, n)
	total := 0
	for i := 0; i < n; i++ {
		l, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		lens[i] = int(l)
		total += int(l)
	}
	if total != len(body)-4*n {
		return nil, dataErrf(rowKey, len(prefix), nil, "length suffix accounts for %d bytes, key has %d", total, len(body)-4*n)
	}
	comps := make([][]byte, n)
	off := 0
	for i := 0; i < n; i++ {
		comp := append([]byte(nil), body[off:off+lens[i]]...)
		if def.Columns[i].Order == Descending {
			complementRange(comp)
		}
		comps[i] = comp
		off += lens[i]
	}
	return comps, nil
}

// probePrefix returns the index-table key prefix covering entries whose
// leading components equal the given values, plus the encoded component
// bytes for exact post-filtering (a shorter value can be a byte prefix of
// a longer one, so a prefix scan alone may overmatch).
func (def *IndexDef) probePrefix(values []Value) (ByteKey, [][]byte, error) {
	if len(values) > len(def.Columns) {
		return nil, nil, errors.Newf(errors.ErrInvalidOperation, "index %s has %d columns, got %d probe values", def.Name, len(def.Columns), len(values))
	}
	probe := def.keyPrefix()
	comps := make([][]byte, len(values))
	for i, v := range values {
		enc, err := EncodeScalar(v)
		if err != nil {
			return nil, nil, err
		}
		if def.Columns[i].Order == Descending {
			complementRange(enc)
		}
		comps[i] = enc
		probe = append(probe, enc...)
	}
	return probe, comps, nil
}
