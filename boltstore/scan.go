package boltstore

import (
	"bytes"

	"go.etcd.io/bbolt"

	"github.com/coldocdb/coldoc"
	"github.com/coldocdb/coldoc/errors"
)

// Scan iterates rows in key order by merging one bolt cursor per family.
// The iterator holds a read transaction open until Close.
func (t *table) Scan(start, stop coldoc.ByteKey, families ...string) (coldoc.RowIterator, error) {
	return t.newScan(start, stop, nil, families)
}

// FilterScan walks every family so the filter can reference columns
// outside the projection, then projects matching rows to the requested
// families.
func (t *table) FilterScan(f coldoc.Filter, start, stop coldoc.ByteKey, families ...string) (coldoc.RowIterator, error) {
	if f == nil {
		return nil, errors.Errorf("boltstore: nil filter")
	}
	return t.newScan(start, stop, f, families)
}

func (t *table) newScan(start, stop coldoc.ByteKey, f coldoc.Filter, families []string) (coldoc.RowIterator, error) {
	tx, err := t.db.Begin(false)
	if err != nil {
		return nil, errors.Wrap(err, "boltstore: begin scan")
	}

	scanFams := families
	var project []string
	if f != nil {
		project = families
		scanFams = nil
	}
	fams, err := t.resolveFamilies(tx, scanFams)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	it := &scanIterator{tx: tx, stop: stop, filter: f, project: project}
	for _, fam := range fams {
		b, err := t.famBucket(tx, fam)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		fc := &famCursor{name: fam, c: b.Cursor()}
		fc.k, fc.v = fc.c.Seek(start)
		it.cursors = append(it.cursors, fc)
	}
	return it, nil
}

type famCursor struct {
	name string
	c    *bbolt.Cursor
	k, v []byte
}

type scanIterator struct {
	tx      *bbolt.Tx
	cursors []*famCursor
	stop    coldoc.ByteKey
	filter  coldoc.Filter
	project []string
	row     *coldoc.Row
	err     error
	closed  bool
}

func (it *scanIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	for {
		// The next row key is the smallest current key across cursors.
		var minKey []byte
		for _, fc := range it.cursors {
			if fc.k == nil {
				continue
			}
			if !it.stop.IsAfterAll() && bytes.Compare(fc.k, it.stop) >= 0 {
				continue
			}
			if minKey == nil || bytes.Compare(fc.k, minKey) < 0 {
				minKey = fc.k
			}
		}
		if minKey == nil {
			return false
		}

		row := &coldoc.Row{Key: append(coldoc.ByteKey(nil), minKey...)}
		for _, fc := range it.cursors {
			if fc.k == nil || !bytes.Equal(fc.k, minKey) {
				continue
			}
			recs, err := decodeFamilyBlob(fc.v)
			if err != nil {
				it.err = err
				return false
			}
			for _, rec := range recs {
				row.AddColumn(fc.name, coldoc.Column{
					Qualifier: append(coldoc.ByteKey(nil), rec.Q...),
					Value:     append([]byte(nil), rec.V...),
					Timestamp: rec.T,
				})
			}
			fc.k, fc.v = fc.c.Next()
		}

		if row.IsEmpty() {
			continue
		}
		if it.filter != nil {
			if !it.filter.Matches(row) {
				continue
			}
			if len(it.project) > 0 {
				row = projectRow(row, it.project)
				if row.IsEmpty() {
					continue
				}
			}
		}
		it.row = row
		return true
	}
}

func projectRow(row *coldoc.Row, families []string) *coldoc.Row {
	out := &coldoc.Row{Key: row.Key}
	for _, fam := range families {
		if f := row.Family(fam); f != nil {
			out.Families = append(out.Families, *f)
		}
	}
	return out
}

func (it *scanIterator) Row() *coldoc.Row { return it.row }
func (it *scanIterator) Err() error       { return it.err }

func (it *scanIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.tx.Rollback()
}
