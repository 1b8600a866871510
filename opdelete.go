package coldoc

import (
	"github.com/coldocdb/coldoc/errors"
)

// Delete removes a document and its derived index cells. Deleting an
// absent document is a no-op.
func (t *Table) Delete(id Value) error {
	if err := t.requireMutable(); err != nil {
		return err
	}
	key, err := t.RowKey(id)
	if err != nil {
		return err
	}
	if err := t.dropIndexEntriesFor(key); err != nil {
		return err
	}
	if err := t.store.Delete(key); err != nil {
		return errors.WithMessagef(err, "deleting row %s of table %s", key, t.name)
	}
	t.log.Debug("delete", hexAttr("row", key))
	return nil
}

// DeleteMany removes several documents. Index cells are re-derived and
// removed per document first; the base rows then go in one best-effort
// batch, so a backend failure partway leaves a prefix of the rows deleted.
func (t *Table) DeleteMany(ids []Value) error {
	if err := t.requireMutable(); err != nil {
		return err
	}
	keys := make([]ByteKey, len(ids))
	for i, id := range ids {
		key, err := t.RowKey(id)
		if err != nil {
			return err
		}
		keys[i] = key
	}
	for _, key := range keys {
		if err := t.dropIndexEntriesFor(key); err != nil {
			return err
		}
	}
	if err := t.store.DeleteBatch(keys); err != nil {
		return errors.WithMessagef(err, "batch-deleting from table %s", t.name)
	}
	t.log.Debug("delete batch", "table", t.name, "rows", len(keys))
	return nil
}

// dropIndexEntriesFor re-derives the index cells of a row from its stored
// column data and deletes them.
func (t *Table) dropIndexEntriesFor(key ByteKey) error {
	if len(t.indexes) == 0 {
		return nil
	}
	row, err := t.store.Get(key, t.indexedFamilies())
	if err != nil {
		return errors.WithMessagef(err, "reading row %s of table %s", key, t.name)
	}
	if row.IsEmpty() {
		return nil
	}
	entries, err := t.indexEntries(key, row.Families)
	if err != nil {
		return err
	}
	return t.deleteIndexEntries(entries)
}

// indexedFamilies returns the families owning at least one index, deduped.
func (t *Table) indexedFamilies() []string {
	var fams []string
	seen := make(map[string]bool, len(t.indexes))
	for _, def := range t.indexes {
		if !seen[def.Family] {
			seen[def.Family] = true
			fams = append(fams, def.Family)
		}
	}
	return fams
}
