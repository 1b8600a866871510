package coldoc

import (
	"github.com/coldocdb/coldoc/errors"
)

// Insert stores a new document. The document must carry an IDField of an
// allowed kind; all other fields are flattened through the codec and
// routed by the locality map. The write is an atomic check-and-put keyed
// on the id column being absent, so a second insert with the same id fails
// with ErrAlreadyExists and leaves the first document untouched.
func (t *Table) Insert(doc *Document) error {
	id, ok := doc.Field(IDField)
	if !ok {
		return errors.Newf(errors.ErrInvalidOperation, "document has no %s", IDField)
	}
	key, err := t.RowKey(id)
	if err != nil {
		return err
	}

	body := doc.Clone()
	body.DeleteField(IDField)
	ts := nowMillis()
	fams, err := t.codec.Encode(body, ts)
	if err != nil {
		return errors.WithMessagef(err, "encoding document %s", key)
	}

	idRaw, err := EncodeScalar(id)
	if err != nil {
		return err
	}
	row := &Row{Key: key, Families: fams}
	row.AddColumn(t.idFamily(), Column{Qualifier: idQualifier, Value: idRaw, Timestamp: ts})

	stored, err := t.store.CheckAndPut(key, t.idFamily(), idQualifier, nil, row)
	if err != nil {
		return errors.WithMessagef(err, "inserting into table %s", t.name)
	}
	if !stored {
		return errors.Newf(errors.ErrAlreadyExists, "document %v already exists in table %s", id, t.name)
	}
	t.log.Debug("insert", hexAttr("row", key))

	entries, err := t.indexEntries(key, row.Families)
	if err != nil {
		return err
	}
	return t.putIndexEntries(entries)
}
