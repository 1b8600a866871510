package coldoc

import (
	"github.com/coldocdb/coldoc/errors"
)

const rebuildBatchSize = 256

// RebuildIndexes drops every index cell and re-derives them from a full
// scan of the base table. This is the recovery path for index tables left
// stale by a crash between a base-row write and its index writes; it
// requires the connection's table-administration capability. Concurrent
// writers during a rebuild can leave the index stale again.
func (t *Table) RebuildIndexes() error {
	if len(t.indexes) == 0 {
		return nil
	}
	admin, err := connAdmin(t.db.conn)
	if err != nil {
		return err
	}
	idxName := t.name + t.db.opt.indexTableSuffix()
	if err := admin.TruncateTable(idxName); err != nil {
		return errors.WithMessagef(err, "truncating index table %s", idxName)
	}

	// The base table is read in windows of rebuildBatchSize rows, and each
	// window's scan is closed before its index cells are written. Backends
	// like bolt keep a read transaction open for the life of a scan, and a
	// write on the same connection while that transaction is open can
	// deadlock when the write has to remap a growing file.
	start, stop := t.scanBounds()
	fams := t.indexedFamilies()
	rows := 0
	for {
		batch, resume, n, err := t.rebuildWindow(start, stop, fams)
		if err != nil {
			return err
		}
		rows += n
		if len(batch) > 0 {
			if err := t.idxStore.PutBatch(batch); err != nil {
				return errors.WithMessagef(err, "writing index cells of table %s", t.name)
			}
		}
		if resume == nil {
			break
		}
		start = resume
	}
	t.log.Debug("indexes rebuilt", "rows", rows)
	return nil
}

// rebuildWindow derives the index cells for up to rebuildBatchSize base
// rows starting at start, closing the scan before it returns. A nil
// resume key means the range is exhausted; otherwise the caller continues
// from resume after writing the batch.
func (t *Table) rebuildWindow(start, stop ByteKey, fams []string) (batch []*Row, resume ByteKey, n int, err error) {
	it, err := t.store.Scan(start, stop, fams...)
	if err != nil {
		return nil, nil, 0, errors.WithMessagef(err, "scanning table %s", t.name)
	}
	defer it.Close()
	for n < rebuildBatchSize && it.Next() {
		row := it.Row()
		if row.IsEmpty() {
			continue
		}
		entries, err := t.indexEntries(row.Key, row.Families)
		if err != nil {
			return nil, nil, 0, err
		}
		batch = append(batch, indexEntryRows(entries)...)
		resume = row.Key.Next()
		n++
	}
	if err := it.Err(); err != nil {
		return nil, nil, 0, errors.WithMessagef(err, "scanning table %s", t.name)
	}
	if n < rebuildBatchSize {
		resume = nil
	}
	return batch, resume, n, nil
}

// TableStats summarizes a table's stored footprint.
type TableStats struct {
	Documents  int
	IndexRows  int
	IndexCells int
}

// Stats counts the table's documents and index cells with full scans; it
// is a maintenance aid, not a cheap call.
func (t *Table) Stats() (TableStats, error) {
	var stats TableStats
	start, stop := t.scanBounds()
	it, err := t.store.Scan(start, stop, t.idFamily())
	if err != nil {
		return stats, errors.WithMessagef(err, "scanning table %s", t.name)
	}
	defer it.Close()
	for it.Next() {
		if _, ok := it.Row().Column(t.idFamily(), idQualifier); ok {
			stats.Documents++
		}
	}
	if err := it.Err(); err != nil {
		return stats, err
	}

	if t.idxStore == nil {
		return stats, nil
	}
	iit, err := t.idxStore.Scan(ByteKey{}, KeyAfterAll, IndexFamily)
	if err != nil {
		return stats, errors.WithMessagef(err, "scanning index table of %s", t.name)
	}
	defer iit.Close()
	for iit.Next() {
		row := iit.Row()
		if f := row.Family(IndexFamily); f != nil && len(f.Columns) > 0 {
			stats.IndexRows++
			stats.IndexCells += len(f.Columns)
		}
	}
	return stats, iit.Err()
}
