// Package memstore is a transient in-memory wide-column backend, intended
// for tests and small tools. It implements the full capability set:
// filter scans, counters, bounded version history with rollback, column
// ranges, append, and table administration.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/coldocdb/coldoc"
	"github.com/coldocdb/coldoc/errors"
)

const btreeDegree = 16

var (
	_ coldoc.Conn  = (*Conn)(nil)
	_ coldoc.Admin = (*Conn)(nil)

	_ coldoc.Store          = (*table)(nil)
	_ coldoc.FilterScanner  = (*table)(nil)
	_ coldoc.CounterStore   = (*table)(nil)
	_ coldoc.VersionedStore = (*table)(nil)
	_ coldoc.ColumnRanger   = (*table)(nil)
	_ coldoc.Appender       = (*table)(nil)
)

// maxVersions bounds the per-cell version history kept for rollback.
const maxVersions = 8

// Conn is an in-memory backend connection. It supports table
// administration.
type Conn struct {
	mu     sync.Mutex
	tables map[string]*table
	closed bool
}

func NewConn() *Conn {
	return &Conn{tables: make(map[string]*table)}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.tables = nil
	return nil
}

// Table returns a handle for an existing table.
func (c *Conn) Table(name string) (coldoc.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[name]
	if t == nil {
		return nil, errors.Newf(errors.ErrNotFound, "memstore: no table %s", name)
	}
	return t, nil
}

// CreateTable creates a table if it does not exist; on an existing table
// it declares any missing families.
func (c *Conn) CreateTable(name string, families ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Errorf("memstore: connection closed")
	}
	t := c.tables[name]
	if t == nil {
		t = &table{
			name: name,
			fams: make(map[string]bool),
			rows: btree.New(btreeDegree),
		}
		c.tables[name] = t
	}
	for _, fam := range families {
		t.fams[fam] = true
	}
	return nil
}

func (c *Conn) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables[name] == nil {
		return errors.Newf(errors.ErrNotFound, "memstore: no table %s", name)
	}
	delete(c.tables, name)
	return nil
}

func (c *Conn) TruncateTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[name]
	if t == nil {
		return errors.Newf(errors.ErrNotFound, "memstore: no table %s", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = btree.New(btreeDegree)
	return nil
}

func (c *Conn) TableExists(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables[name] != nil, nil
}

type cell struct {
	value []byte
	ts    int64
}

// column keeps a bounded version history, newest last.
type column struct {
	versions []cell
}

func (col *column) latest() cell {
	return col.versions[len(col.versions)-1]
}

func (col *column) push(c cell) {
	col.versions = append(col.versions, c)
	if len(col.versions) > maxVersions {
		copy(col.versions, col.versions[1:])
		col.versions = col.versions[:maxVersions]
	}
}

type row struct {
	key  coldoc.ByteKey
	fams map[string]map[string]*column
}

func (r *row) Less(than btree.Item) bool {
	return coldoc.Compare(r.key, than.(*row).key) < 0
}

func (r *row) isEmpty() bool {
	for _, cols := range r.fams {
		if len(cols) > 0 {
			return false
		}
	}
	return true
}

type table struct {
	mu   sync.Mutex
	name string
	fams map[string]bool
	rows *btree.BTree
}

func (t *table) findRow(key coldoc.ByteKey) *row {
	item := t.rows.Get(&row{key: key})
	if item == nil {
		return nil
	}
	return item.(*row)
}

func (t *table) ensureRow(key coldoc.ByteKey) *row {
	if r := t.findRow(key); r != nil {
		return r
	}
	r := &row{key: key.Clone(), fams: make(map[string]map[string]*column)}
	t.rows.ReplaceOrInsert(r)
	return r
}

func (t *table) checkFamilies(fams []string) error {
	for _, fam := range fams {
		if !t.fams[fam] {
			return errors.Newf(errors.ErrNotFound, "memstore: table %s has no family %s", t.name, fam)
		}
	}
	return nil
}

// project builds the wire shape of a row restricted to the given families
// (all when empty) and qualifiers (all when empty), latest version of each
// column, qualifiers in key order.
func (r *row) project(families []string, qualifiers []coldoc.ByteKey) *coldoc.Row {
	famNames := families
	if len(famNames) == 0 {
		famNames = make([]string, 0, len(r.fams))
		for fam := range r.fams {
			famNames = append(famNames, fam)
		}
		sort.Strings(famNames)
	}
	out := &coldoc.Row{Key: r.key.Clone()}
	for _, fam := range famNames {
		cols := r.fams[fam]
		if len(cols) == 0 {
			continue
		}
		quals := make([]string, 0, len(cols))
		for q := range cols {
			if len(qualifiers) > 0 && !containsQualifier(qualifiers, q) {
				continue
			}
			quals = append(quals, q)
		}
		sort.Strings(quals)
		for _, q := range quals {
			c := cols[q].latest()
			out.AddColumn(fam, coldoc.Column{
				Qualifier: coldoc.ByteKey(q).Clone(),
				Value:     append([]byte(nil), c.value...),
				Timestamp: c.ts,
			})
		}
	}
	if out.IsEmpty() {
		return nil
	}
	return out
}

func containsQualifier(quals []coldoc.ByteKey, q string) bool {
	for _, qq := range quals {
		if string(qq) == q {
			return true
		}
	}
	return false
}

func (t *table) Get(key coldoc.ByteKey, families []string, qualifiers ...coldoc.ByteKey) (*coldoc.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies(families); err != nil {
		return nil, err
	}
	r := t.findRow(key)
	if r == nil {
		return nil, nil
	}
	return r.project(families, qualifiers), nil
}

func (t *table) GetBatch(keys []coldoc.ByteKey, families []string) ([]*coldoc.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies(families); err != nil {
		return nil, err
	}
	out := make([]*coldoc.Row, len(keys))
	for i, key := range keys {
		if r := t.findRow(key); r != nil {
			out[i] = r.project(families, nil)
		}
	}
	return out, nil
}

func (t *table) putLocked(in *coldoc.Row, now int64) error {
	for i := range in.Families {
		if !t.fams[in.Families[i].Name] {
			return errors.Newf(errors.ErrNotFound, "memstore: table %s has no family %s", t.name, in.Families[i].Name)
		}
	}
	r := t.ensureRow(in.Key)
	for i := range in.Families {
		fam := &in.Families[i]
		cols := r.fams[fam.Name]
		if cols == nil {
			cols = make(map[string]*column)
			r.fams[fam.Name] = cols
		}
		for _, c := range fam.Columns {
			ts := c.Timestamp
			if ts == 0 {
				ts = now
			}
			col := cols[string(c.Qualifier)]
			if col == nil {
				col = &column{}
				cols[string(c.Qualifier)] = col
			}
			col.push(cell{value: append([]byte(nil), c.Value...), ts: ts})
		}
	}
	return nil
}

func (t *table) Put(in *coldoc.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putLocked(in, time.Now().UnixMilli())
}

func (t *table) PutBatch(rows []*coldoc.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UnixMilli()
	for i, r := range rows {
		if err := t.putLocked(r, now); err != nil {
			return &coldoc.BatchError{FirstUnapplied: i, Err: err}
		}
	}
	return nil
}

func (t *table) Delete(key coldoc.ByteKey, families ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies(families); err != nil {
		return err
	}
	r := t.findRow(key)
	if r == nil {
		return nil
	}
	if len(families) == 0 {
		t.rows.Delete(r)
		return nil
	}
	for _, fam := range families {
		delete(r.fams, fam)
	}
	if r.isEmpty() {
		t.rows.Delete(r)
	}
	return nil
}

func (t *table) DeleteColumns(key coldoc.ByteKey, family string, qualifiers ...coldoc.ByteKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies([]string{family}); err != nil {
		return err
	}
	r := t.findRow(key)
	if r == nil {
		return nil
	}
	cols := r.fams[family]
	for _, q := range qualifiers {
		delete(cols, string(q))
	}
	if r.isEmpty() {
		t.rows.Delete(r)
	}
	return nil
}

func (t *table) DeleteBatch(keys []coldoc.ByteKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		if r := t.findRow(key); r != nil {
			t.rows.Delete(r)
		}
	}
	return nil
}

func (t *table) CheckAndPut(key coldoc.ByteKey, checkFamily string, checkQualifier coldoc.ByteKey, expect []byte, put *coldoc.Row) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies([]string{checkFamily}); err != nil {
		return false, err
	}
	var current []byte
	exists := false
	if r := t.findRow(key); r != nil {
		if col := r.fams[checkFamily][string(checkQualifier)]; col != nil {
			current = col.latest().value
			exists = true
		}
	}
	if expect == nil {
		if exists {
			return false, nil
		}
	} else if !exists || string(current) != string(expect) {
		return false, nil
	}
	if err := t.putLocked(put, time.Now().UnixMilli()); err != nil {
		return false, err
	}
	return true, nil
}

// Scan snapshots the matching rows under the lock; the returned iterator
// walks the snapshot and is unaffected by later writes.
func (t *table) Scan(start, stop coldoc.ByteKey, families ...string) (coldoc.RowIterator, error) {
	return t.scan(start, stop, nil, families)
}

func (t *table) FilterScan(f coldoc.Filter, start, stop coldoc.ByteKey, families ...string) (coldoc.RowIterator, error) {
	return t.scan(start, stop, f, families)
}

func (t *table) scan(start, stop coldoc.ByteKey, f coldoc.Filter, families []string) (coldoc.RowIterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies(families); err != nil {
		return nil, err
	}
	var out []*coldoc.Row
	visit := func(item btree.Item) bool {
		r := item.(*row)
		if f != nil {
			// The filter may reference families outside the projection;
			// evaluate it against the whole row.
			full := r.project(nil, nil)
			if full == nil || !f.Matches(full) {
				return true
			}
		}
		if pr := r.project(families, nil); pr != nil {
			out = append(out, pr)
		}
		return true
	}
	pivot := &row{key: start}
	if stop.IsAfterAll() {
		t.rows.AscendGreaterOrEqual(pivot, visit)
	} else {
		t.rows.AscendRange(pivot, &row{key: stop}, visit)
	}
	return &sliceIterator{rows: out}, nil
}

type sliceIterator struct {
	rows []*coldoc.Row
	cur  *coldoc.Row
}

func (it *sliceIterator) Next() bool {
	if len(it.rows) == 0 {
		return false
	}
	it.cur = it.rows[0]
	it.rows = it.rows[1:]
	return true
}

func (it *sliceIterator) Row() *coldoc.Row { return it.cur }
func (it *sliceIterator) Err() error       { return nil }
func (it *sliceIterator) Close() error     { return nil }

func (t *table) AddCounter(key coldoc.ByteKey, family string, qualifier coldoc.ByteKey, delta int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies([]string{family}); err != nil {
		return 0, err
	}
	var current []byte
	if r := t.findRow(key); r != nil {
		if col := r.fams[family][string(qualifier)]; col != nil {
			current = col.latest().value
		}
	}
	n, err := coldoc.DecodeCounter(current)
	if err != nil {
		return 0, err
	}
	n += delta
	put := &coldoc.Row{Key: key}
	put.AddColumn(family, coldoc.Column{Qualifier: qualifier, Value: coldoc.EncodeCounter(n)})
	if err := t.putLocked(put, time.Now().UnixMilli()); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *table) GetCounter(key coldoc.ByteKey, family string, qualifier coldoc.ByteKey) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies([]string{family}); err != nil {
		return 0, err
	}
	if r := t.findRow(key); r != nil {
		if col := r.fams[family][string(qualifier)]; col != nil {
			return coldoc.DecodeCounter(col.latest().value)
		}
	}
	return 0, nil
}

func (t *table) RollbackColumn(key coldoc.ByteKey, family string, qualifier coldoc.ByteKey) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies([]string{family}); err != nil {
		return false, err
	}
	r := t.findRow(key)
	if r == nil {
		return false, nil
	}
	col := r.fams[family][string(qualifier)]
	if col == nil || len(col.versions) < 2 {
		return false, nil
	}
	col.versions = col.versions[:len(col.versions)-1]
	return true, nil
}

func (t *table) ScanColumns(key coldoc.ByteKey, family string, startQualifier, stopQualifier coldoc.ByteKey) ([]coldoc.Column, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies([]string{family}); err != nil {
		return nil, err
	}
	r := t.findRow(key)
	if r == nil {
		return nil, nil
	}
	quals := make([]string, 0, len(r.fams[family]))
	for q := range r.fams[family] {
		if coldoc.Compare(coldoc.ByteKey(q), startQualifier) < 0 {
			continue
		}
		if !stopQualifier.IsAfterAll() && coldoc.Compare(coldoc.ByteKey(q), stopQualifier) >= 0 {
			continue
		}
		quals = append(quals, q)
	}
	sort.Strings(quals)
	out := make([]coldoc.Column, 0, len(quals))
	for _, q := range quals {
		c := r.fams[family][q].latest()
		out = append(out, coldoc.Column{
			Qualifier: coldoc.ByteKey(q).Clone(),
			Value:     append([]byte(nil), c.value...),
			Timestamp: c.ts,
		})
	}
	return out, nil
}

func (t *table) Append(key coldoc.ByteKey, family string, qualifier coldoc.ByteKey, suffix []byte) (*coldoc.Column, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFamilies([]string{family}); err != nil {
		return nil, err
	}
	var current []byte
	if r := t.findRow(key); r != nil {
		if col := r.fams[family][string(qualifier)]; col != nil {
			current = col.latest().value
		}
	}
	merged := make([]byte, 0, len(current)+len(suffix))
	merged = append(merged, current...)
	merged = append(merged, suffix...)
	now := time.Now().UnixMilli()
	put := &coldoc.Row{Key: key}
	put.AddColumn(family, coldoc.Column{Qualifier: qualifier, Value: merged, Timestamp: now})
	if err := t.putLocked(put, now); err != nil {
		return nil, err
	}
	return &coldoc.Column{Qualifier: qualifier.Clone(), Value: merged, Timestamp: now}, nil
}
