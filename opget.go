package coldoc

import (
	"github.com/coldocdb/coldoc/errors"
)

// Get fetches one document by id. When fields are given, only those
// top-level fields are returned, and only the column families the
// locality map associates with them are fetched. Returns nil (and no
// error) when the document is absent.
func (t *Table) Get(id Value, fields ...string) (*Document, error) {
	key, err := t.RowKey(id)
	if err != nil {
		return nil, err
	}
	fams := t.codec.Locality.FamiliesFor(fields...)
	row, err := t.store.Get(key, fams)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading row %s of table %s", key, t.name)
	}
	if row.IsEmpty() {
		return nil, nil
	}
	return t.decodeRow(row, id, fields...)
}

// GetMany fetches several documents in one best-effort batch. The result
// is index-aligned with ids; absent documents come back nil.
func (t *Table) GetMany(ids []Value, fields ...string) ([]*Document, error) {
	keys := make([]ByteKey, len(ids))
	for i, id := range ids {
		key, err := t.RowKey(id)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	fams := t.codec.Locality.FamiliesFor(fields...)
	rows, err := t.store.GetBatch(keys, fams)
	if err != nil {
		return nil, errors.WithMessagef(err, "batch-reading table %s", t.name)
	}
	docs := make([]*Document, len(ids))
	for i, row := range rows {
		if row.IsEmpty() {
			continue
		}
		docs[i], err = t.decodeRow(row, ids[i], fields...)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// Exists reports whether a document with the given id is stored, reading
// only its id column.
func (t *Table) Exists(id Value) (bool, error) {
	key, err := t.RowKey(id)
	if err != nil {
		return false, err
	}
	row, err := t.store.Get(key, []string{t.idFamily()}, idQualifier)
	if err != nil {
		return false, errors.WithMessagef(err, "reading row %s of table %s", key, t.name)
	}
	return !row.IsEmpty(), nil
}
