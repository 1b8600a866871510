package coldoc

import (
	"github.com/coldocdb/coldoc/errors"
)

// DocIterator is a lazy, forward-only document sequence driven by one
// store-side cursor. It cannot be restarted; reissue the query instead.
// Close must be called on every exit path, including early termination.
type DocIterator interface {
	Next() bool
	Doc() *Document
	Err() error
	Close() error
}

// Find queries the table. An empty (or nil) predicate scans the whole
// table, restricted to the key prefix when one is configured; otherwise
// the predicate is translated to the store's native filter expression and
// pushed down, which requires the backend's filter-scan capability. Each
// matching row is decoded per the requested projection.
func (t *Table) Find(pred *Document, fields ...string) (DocIterator, error) {
	fams := t.fetchFamilies(fields)
	start, stop := t.scanBounds()

	var it RowIterator
	var err error
	if pred.Len() == 0 {
		it, err = t.store.Scan(start, stop, fams...)
	} else {
		var f Filter
		f, err = t.codec.TranslatePredicate(pred)
		if err != nil {
			return nil, err
		}
		var fs FilterScanner
		fs, err = storeCapability[FilterScanner](t.store, "filter scans")
		if err != nil {
			return nil, err
		}
		it, err = fs.FilterScan(f, start, stop, fams...)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "scanning table %s", t.name)
	}
	return &scanDocs{t: t, it: it, fields: fields}, nil
}

// fetchFamilies is the projection's family set plus the id family, which
// every scan needs to recover document ids.
func (t *Table) fetchFamilies(fields []string) []string {
	fams := t.codec.Locality.FamiliesFor(fields...)
	if len(fields) == 0 {
		return fams
	}
	idFam := t.idFamily()
	for _, f := range fams {
		if f == idFam {
			return fams
		}
	}
	return append(fams, idFam)
}

func (t *Table) scanBounds() (ByteKey, ByteKey) {
	if len(t.meta.KeyPrefix) > 0 {
		prefix := ByteKey(t.meta.KeyPrefix)
		return prefix, PrefixSuccessor(prefix)
	}
	return ByteKey{}, KeyAfterAll
}

type scanDocs struct {
	t      *Table
	it     RowIterator
	fields []string
	doc    *Document
	err    error
}

func (s *scanDocs) Next() bool {
	if s.err != nil {
		return false
	}
	for s.it.Next() {
		row := s.it.Row()
		if row.IsEmpty() {
			continue
		}
		id, err := s.t.idFromRow(row)
		if err != nil {
			s.err = err
			return false
		}
		doc, err := s.t.decodeRow(row, id, s.fields...)
		if err != nil {
			s.err = err
			return false
		}
		s.doc = doc
		return true
	}
	s.err = s.it.Err()
	return false
}

func (s *scanDocs) Doc() *Document { return s.doc }
func (s *scanDocs) Err() error     { return s.err }
func (s *scanDocs) Close() error   { return s.it.Close() }

// ScanIndex walks one index in index order, restricted to entries whose
// leading components equal the given values (none scans the whole index).
// Descending components are matched by complementing the probe bytes. The
// documents behind matching entries are fetched lazily, one index row at a
// time.
func (t *Table) ScanIndex(indexName string, values ...Value) (DocIterator, error) {
	def := t.indexByName(indexName)
	if def == nil {
		return nil, errors.Newf(errors.ErrNotFound, "table %s has no index %s", t.name, indexName)
	}
	probe, comps, err := def.probePrefix(values)
	if err != nil {
		return nil, err
	}
	it, err := ScanPrefix(t.idxStore, probe, IndexFamily)
	if err != nil {
		return nil, errors.WithMessagef(err, "scanning index %s of table %s", indexName, t.name)
	}
	return &indexScan{t: t, def: def, it: it, comps: comps}, nil
}

func (t *Table) indexByName(name string) *IndexDef {
	for _, def := range t.indexes {
		if def.Name == name {
			return def
		}
	}
	return nil
}

type indexScan struct {
	t       *Table
	def     *IndexDef
	it      RowIterator
	comps   [][]byte // in-key (complemented when descending) probe components
	pending []ByteKey
	doc     *Document
	err     error
}

func (s *indexScan) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		for len(s.pending) > 0 {
			key := s.pending[0]
			s.pending = s.pending[1:]
			row, err := s.t.store.Get(key, nil)
			if err != nil {
				s.err = err
				return false
			}
			if row.IsEmpty() {
				// Stale index cell; the base row is gone.
				continue
			}
			id, err := s.t.idFromRow(row)
			if err != nil {
				s.err = err
				return false
			}
			s.doc, err = s.t.decodeRow(row, id)
			if err != nil {
				s.err = err
				return false
			}
			return true
		}
		if !s.it.Next() {
			s.err = s.it.Err()
			return false
		}
		keys, err := s.baseKeys(s.it.Row())
		if err != nil {
			s.err = err
			return false
		}
		s.pending = keys
	}
}

// baseKeys extracts the base row keys of one index row, after verifying
// the probed components match exactly (a prefix scan alone can overmatch
// when one encoded value is a byte prefix of another).
func (s *indexScan) baseKeys(row *Row) ([]ByteKey, error) {
	f := row.Family(IndexFamily)
	if f == nil {
		return nil, nil
	}
	var keys []ByteKey
	for i := range f.Columns {
		col := &f.Columns[i]
		var baseKey ByteKey
		if s.def.Unique {
			if !col.Qualifier.Equal(UniqueMarker) {
				continue
			}
			baseKey = ByteKey(col.Value)
		} else {
			baseKey = col.Qualifier
		}
		ok, err := s.matches(row.Key, baseKey)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, baseKey.Clone())
		}
	}
	return keys, nil
}

func (s *indexScan) matches(rowKey, baseKey ByteKey) (bool, error) {
	if len(s.comps) == 0 {
		return true, nil
	}
	prefix := s.def.keyPrefix()
	if s.def.IsComposite() {
		return compositeKeyMatches(rowKey[len(prefix):], len(s.def.Columns), s.comps)
	}
	// Simple index keys carry no length suffix; the value bytes are what
	// sits between the prefix and the base row key.
	body := rowKey[len(prefix):]
	if len(body) < len(baseKey) {
		return false, nil
	}
	return string(body[:len(body)-len(baseKey)]) == string(s.comps[0]), nil
}

// compositeKeyMatches checks the leading components of a composite index
// key body (value bytes followed by the fixed-width length suffix) against
// the probe components, byte for byte.
func compositeKeyMatches(body []byte, ncols int, comps [][]byte) (bool, error) {
	if len(body) < 4*ncols {
		return false, dataErrf(body, 0, nil, "composite key shorter than its length suffix")
	}
	d := byteDecoder{Orig: body, Buf: body[len(body)-4*ncols:]}
	lens := make([]int, ncols)
	for i := range lens {
		l, err := d.Uint32()
		if err != nil {
			return false, err
		}
		lens[i] = int(l)
	}
	off := 0
	for i, comp := range comps {
		end := off + lens[i]
		if end > len(body)-4*ncols {
			return false, dataErrf(body, off, nil, "length suffix overruns composite key")
		}
		if string(body[off:end]) != string(comp) {
			return false, nil
		}
		off = end
	}
	return true, nil
}

func (s *indexScan) Doc() *Document { return s.doc }
func (s *indexScan) Err() error     { return s.err }
func (s *indexScan) Close() error   { return s.it.Close() }
