package coldoc

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/coldocdb/coldoc/errors"
)

// IDField is the required identifier field of every document.
const IDField = "_id"

var idQualifier = ByteKey(IDField)

// Table is an open document table: a store handle plus the configuration
// fixed at open time (locality map, index definitions). Tables hold no
// other mutable state and are safe for concurrent use to the extent the
// backend is.
//
// Index rows are written as a separate step after the base row, with no
// cross-table atomicity: a crash between the two can leave index cells
// stale or missing until RebuildIndexes runs.
type Table struct {
	db       *Database
	name     string
	meta     *tableMetadata
	codec    Codec
	indexes  []*IndexDef
	store    Store
	idxStore Store // nil when the table has no indexes
	log      *slog.Logger
}

func (t *Table) Name() string { return t.name }

// Locality returns the table's field-to-family routing.
func (t *Table) Locality() LocalityMap { return t.codec.Locality }

func (t *Table) idFamily() string {
	return t.codec.Locality.FamilyOf(IDField)
}

// RowKey computes the store row key for a document id: the table's key
// prefix followed by the id's type-tagged scalar encoding. Only int64,
// string, time, UUID and object-id values can identify a document.
func (t *Table) RowKey(id Value) (ByteKey, error) {
	switch id.Kind() {
	case KindInt64, KindString, KindTime, KindUUID, KindObjectID:
	default:
		return nil, errors.Newf(errors.ErrInvalidOperation, "%s cannot be %v", IDField, id.Kind())
	}
	enc, err := EncodeScalar(id)
	if err != nil {
		return nil, err
	}
	key := make(ByteKey, 0, len(t.meta.KeyPrefix)+len(enc))
	key = append(key, t.meta.KeyPrefix...)
	return append(key, enc...), nil
}

func (t *Table) requireMutable() error {
	if t.meta.AppendOnly {
		return errors.Newf(errors.ErrInvalidOperation, "table %s is append-only", t.name)
	}
	return nil
}

// idFromRow recovers the document id from a fetched row's id column.
func (t *Table) idFromRow(r *Row) (Value, error) {
	col, ok := r.Column(t.idFamily(), idQualifier)
	if !ok {
		return Value{}, dataErrf(r.Key, 0, nil, "row in table %s has no %s column", t.name, IDField)
	}
	return DecodeScalar(col.Value)
}

// decodeRow turns a fetched row into a document with the id as the first
// field.
func (t *Table) decodeRow(r *Row, id Value, fields ...string) (*Document, error) {
	decoded, err := t.codec.Decode(r.Families, fields...)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding row %s of table %s", r.Key, t.name)
	}
	doc := NewDocument().SetField(IDField, id)
	for _, name := range decoded.Names() {
		if name == IDField {
			continue
		}
		v, _ := decoded.Field(name)
		doc.SetField(name, v)
	}
	return doc, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// indexEntries derives the index cells of every index from a base row's
// column data.
func (t *Table) indexEntries(baseKey ByteKey, fams []Family) ([]IndexEntry, error) {
	if len(t.indexes) == 0 {
		return nil, nil
	}
	entries := make([]IndexEntry, 0, len(t.indexes))
	for _, def := range t.indexes {
		e, err := def.DeriveEntry(baseKey, fams)
		if err != nil {
			return nil, errors.WithMessagef(err, "deriving index %s for row %s", def.Name, baseKey)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func indexEntryRows(entries []IndexEntry) []*Row {
	rows := make([]*Row, 0, len(entries))
	for _, e := range entries {
		r := &Row{Key: e.RowKey}
		r.AddColumn(IndexFamily, Column{Qualifier: e.Qualifier, Value: e.Value, Timestamp: e.Timestamp})
		rows = append(rows, r)
	}
	return rows
}

func (t *Table) putIndexEntries(entries []IndexEntry) error {
	var rows []*Row
	for _, e := range entries {
		if e.Unique {
			if err := t.putUniqueIndexEntry(e); err != nil {
				return err
			}
			continue
		}
		rows = append(rows, indexEntryRows([]IndexEntry{e})...)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := t.idxStore.PutBatch(rows); err != nil {
		return errors.WithMessagef(err, "writing index cells of table %s", t.name)
	}
	return nil
}

// putUniqueIndexEntry writes one unique index cell with a check-and-put
// keyed on the cell being absent. Base rows with equal indexed values
// derive the same index row key and marker qualifier, so an unconditional
// put would silently replace the first row's cell with the second's.
func (t *Table) putUniqueIndexEntry(e IndexEntry) error {
	row := indexEntryRows([]IndexEntry{e})[0]
	stored, err := t.idxStore.CheckAndPut(e.RowKey, IndexFamily, e.Qualifier, nil, row)
	if err != nil {
		return errors.WithMessagef(err, "writing index cells of table %s", t.name)
	}
	if stored {
		return nil
	}
	cur, err := t.idxStore.Get(e.RowKey, []string{IndexFamily}, e.Qualifier)
	if err != nil {
		return errors.WithMessagef(err, "reading index cells of table %s", t.name)
	}
	if col, ok := cur.Column(IndexFamily, e.Qualifier); ok && bytes.Equal(col.Value, e.Value) {
		// Our own cell from an earlier derivation; refresh its timestamp.
		if err := t.idxStore.Put(row); err != nil {
			return errors.WithMessagef(err, "writing index cells of table %s", t.name)
		}
		return nil
	}
	return errors.Newf(errors.ErrAlreadyExists, "unique index %s of table %s already maps these values to another document", e.Index, t.name)
}

func (t *Table) deleteIndexEntries(entries []IndexEntry) error {
	for _, e := range entries {
		if err := t.idxStore.DeleteColumns(e.RowKey, IndexFamily, e.Qualifier); err != nil {
			return errors.WithMessagef(err, "removing index cells of table %s", t.name)
		}
	}
	return nil
}

// removedIndexEntries returns the entries of old that new no longer
// produces, i.e. the index cells to delete after an update.
func removedIndexEntries(old, new []IndexEntry) []IndexEntry {
	var removed []IndexEntry
	for _, o := range old {
		found := false
		for _, n := range new {
			if o.RowKey.Equal(n.RowKey) && o.Qualifier.Equal(n.Qualifier) {
				found = true
				break
			}
		}
		if !found {
			removed = append(removed, o)
		}
	}
	return removed
}

// replaceIndexEntries re-derives the table's index cells around a base-row
// mutation: cells the new column data no longer produces are deleted,
// current cells are written.
func (t *Table) replaceIndexEntries(baseKey ByteKey, oldFams, newFams []Family) error {
	if len(t.indexes) == 0 {
		return nil
	}
	old, err := t.indexEntries(baseKey, oldFams)
	if err != nil {
		return err
	}
	cur, err := t.indexEntries(baseKey, newFams)
	if err != nil {
		return err
	}
	if err := t.deleteIndexEntries(removedIndexEntries(old, cur)); err != nil {
		return err
	}
	return t.putIndexEntries(cur)
}
