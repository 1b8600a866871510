package coldoc

import (
	"strings"

	"github.com/coldocdb/coldoc/errors"
)

// mutation is the parsed form of an update document: the target id plus
// the operations to apply. Parsing produces an immutable value; nothing is
// written until apply time.
type mutation struct {
	id        Value
	sets      []setOp
	unsets    []string
	incs      []incOp
	rollbacks []string
}

type setOp struct {
	path  string
	value Value
}

type incOp struct {
	path  string
	delta int64
}

func checkMutationPath(op, path string) error {
	if path == "" {
		return errors.Newf(errors.ErrInvalidOperation, "%s has an empty field path", op)
	}
	if topLevelSegment(path) == IDField {
		return errors.Newf(errors.ErrInvalidOperation, "%s cannot target %s", op, IDField)
	}
	for _, seg := range strings.Split(path, PathDelimiter) {
		if seg == "" {
			return errors.Newf(errors.ErrInvalidOperation, "%s path %q has an empty segment", op, path)
		}
	}
	return nil
}

func parseMutation(mut *Document) (*mutation, error) {
	m := &mutation{}
	haveID := false
	for _, name := range mut.Names() {
		v, _ := mut.Field(name)
		switch {
		case name == IDField:
			m.id = v
			haveID = true
		case name == "$unset":
			if v.Kind() != KindObject {
				return nil, errors.Newf(errors.ErrInvalidOperation, "$unset needs an object of field paths, got %v", v.Kind())
			}
			for _, path := range v.Object().Names() {
				if err := checkMutationPath("$unset", path); err != nil {
					return nil, err
				}
				m.unsets = append(m.unsets, path)
			}
		case name == "$inc":
			if v.Kind() != KindObject {
				return nil, errors.Newf(errors.ErrInvalidOperation, "$inc needs an object of field paths, got %v", v.Kind())
			}
			obj := v.Object()
			for _, path := range obj.Names() {
				if err := checkMutationPath("$inc", path); err != nil {
					return nil, err
				}
				dv, _ := obj.Field(path)
				delta, ok := dv.AsInt64()
				if !ok {
					return nil, errors.Newf(errors.ErrInvalidOperation, "$inc amount for %s is %v, not an integer", path, dv.Kind())
				}
				m.incs = append(m.incs, incOp{path: path, delta: delta})
			}
		case name == "$rollback":
			if v.Kind() != KindArray {
				return nil, errors.Newf(errors.ErrInvalidOperation, "$rollback needs an array of field paths, got %v", v.Kind())
			}
			for _, el := range v.Array() {
				if el.Kind() != KindString {
					return nil, errors.Newf(errors.ErrInvalidOperation, "$rollback path is %v, not a string", el.Kind())
				}
				path := el.Str()
				if err := checkMutationPath("$rollback", path); err != nil {
					return nil, err
				}
				m.rollbacks = append(m.rollbacks, path)
			}
		case strings.HasPrefix(name, "$"):
			return nil, errors.Newf(errors.ErrInvalidOperation, "unsupported update operator %s", name)
		default:
			if err := checkMutationPath("set", name); err != nil {
				return nil, err
			}
			m.sets = append(m.sets, setOp{path: name, value: v})
		}
	}
	if !haveID {
		return nil, errors.Newf(errors.ErrInvalidOperation, "update document has no %s", IDField)
	}
	return m, nil
}

// Update applies an operator document to an existing document. Plain
// fields set their (possibly dotted) path; "$unset" removes paths,
// recursively for nested values; "$inc" adds to an integer column through
// the backend's counter capability; "$rollback" reverts paths to their
// immediately preceding stored version through the backend's version
// capability. Targeting IDField with an operator, setting a path below a
// stored scalar, or rolling back a path with no previous version, fails
// with ErrInvalidOperation. Updating an absent document fails with
// ErrNotFound.
//
// Fields covered by an index have their index cells re-derived: stale
// cells are deleted, current ones written.
func (t *Table) Update(mut *Document) error {
	if err := t.requireMutable(); err != nil {
		return err
	}
	m, err := parseMutation(mut)
	if err != nil {
		return err
	}
	key, err := t.RowKey(m.id)
	if err != nil {
		return err
	}

	pre, err := t.store.Get(key, nil)
	if err != nil {
		return errors.WithMessagef(err, "reading row %s of table %s", key, t.name)
	}
	if pre.IsEmpty() {
		return errors.Newf(errors.ErrNotFound, "document %v does not exist in table %s", m.id, t.name)
	}

	if err := t.applySets(key, pre, m.sets); err != nil {
		return err
	}
	if err := t.applyUnsets(key, pre, m.unsets); err != nil {
		return err
	}
	if err := t.applyIncs(key, m.incs); err != nil {
		return err
	}
	if err := t.applyRollbacks(key, m.rollbacks); err != nil {
		return err
	}
	t.log.Debug("update", hexAttr("row", key),
		"sets", len(m.sets), "unsets", len(m.unsets), "incs", len(m.incs), "rollbacks", len(m.rollbacks))

	if len(t.indexes) == 0 {
		return nil
	}
	post, err := t.store.Get(key, nil)
	if err != nil {
		return errors.WithMessagef(err, "re-reading row %s of table %s", key, t.name)
	}
	return t.replaceIndexEntries(key, pre.Families, post.Families)
}

// applySets writes the new column tree of each set path, then deletes the
// stale columns under those paths that the new encoding no longer
// produces. Columns that are merely overwritten are not deleted first, so
// the backend's version history survives a set. Object markers are
// emitted for ancestors a dotted path introduces.
func (t *Table) applySets(key ByteKey, pre *Row, sets []setOp) error {
	if len(sets) == 0 {
		return nil
	}
	ts := nowMillis()
	enc := docEncoder{fams: make(map[string]*Family), ts: ts}
	for _, s := range sets {
		fam := t.codec.Locality.FamilyOf(topLevelSegment(s.path))
		for _, anc := range ancestorPaths(s.path) {
			col, ok := pre.Column(fam, ByteKey(anc))
			if !ok {
				enc.emit(fam, anc, objectMarker)
				continue
			}
			// The stored ancestor must be a container; writing below a
			// scalar would leave an orphan column the decoder never sees.
			tag, _, err := splitTag(col.Value)
			if err != nil {
				return errors.WithMessagef(err, "reading column %s of row %s", anc, key)
			}
			if tag != tagObject && tag != tagArray {
				return errors.Newf(errors.ErrInvalidOperation, "cannot set %s: %s holds a scalar, not an object", s.path, anc)
			}
		}
		if err := enc.walk(fam, s.path, s.value); err != nil {
			return err
		}
	}
	row := &Row{Key: key, Families: enc.finish()}
	if err := t.store.Put(row); err != nil {
		return errors.WithMessagef(err, "writing row %s of table %s", key, t.name)
	}

	for _, s := range sets {
		fam := t.codec.Locality.FamilyOf(topLevelSegment(s.path))
		if err := t.deleteStaleColumns(key, pre, row, fam, s.path); err != nil {
			return err
		}
	}
	return nil
}

// deleteStaleColumns removes the pre-image columns under path that the
// just-written column set no longer contains.
func (t *Table) deleteStaleColumns(key ByteKey, pre, cur *Row, fam, path string) error {
	f := pre.Family(fam)
	if f == nil {
		return nil
	}
	childPrefix := ByteKey(path + PathDelimiter)
	var stale []ByteKey
	for i := range f.Columns {
		q := f.Columns[i].Qualifier
		if !q.Equal(ByteKey(path)) && !q.HasPrefix(childPrefix) {
			continue
		}
		if _, ok := cur.Column(fam, q); !ok {
			stale = append(stale, q)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := t.store.DeleteColumns(key, fam, stale...); err != nil {
		return errors.WithMessagef(err, "deleting stale columns of %s in row %s", path, key)
	}
	return nil
}

func (t *Table) applyUnsets(key ByteKey, pre *Row, unsets []string) error {
	for _, path := range unsets {
		fam := t.codec.Locality.FamilyOf(topLevelSegment(path))
		if err := t.deleteSubtree(key, pre, fam, path); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) applyIncs(key ByteKey, incs []incOp) error {
	if len(incs) == 0 {
		return nil
	}
	cs, err := storeCapability[CounterStore](t.store, "counters")
	if err != nil {
		return err
	}
	for _, inc := range incs {
		fam := t.codec.Locality.FamilyOf(topLevelSegment(inc.path))
		if _, err := cs.AddCounter(key, fam, ByteKey(inc.path), inc.delta); err != nil {
			return errors.WithMessagef(err, "incrementing %s of row %s", inc.path, key)
		}
	}
	return nil
}

func (t *Table) applyRollbacks(key ByteKey, rollbacks []string) error {
	if len(rollbacks) == 0 {
		return nil
	}
	vs, err := storeCapability[VersionedStore](t.store, "version rollback")
	if err != nil {
		return err
	}
	for _, path := range rollbacks {
		fam := t.codec.Locality.FamilyOf(topLevelSegment(path))
		ok, err := vs.RollbackColumn(key, fam, ByteKey(path))
		if err != nil {
			return errors.WithMessagef(err, "rolling back %s of row %s", path, key)
		}
		if !ok {
			return errors.Newf(errors.ErrInvalidOperation, "%s of row %s has no previous version to roll back to", path, key)
		}
	}
	return nil
}

// deleteSubtree removes the column at path and every column nested under
// it, consulting the pre-image for the set of stored qualifiers.
func (t *Table) deleteSubtree(key ByteKey, pre *Row, fam, path string) error {
	f := pre.Family(fam)
	if f == nil {
		return nil
	}
	childPrefix := ByteKey(path + PathDelimiter)
	var quals []ByteKey
	for i := range f.Columns {
		q := f.Columns[i].Qualifier
		if q.Equal(ByteKey(path)) || q.HasPrefix(childPrefix) {
			quals = append(quals, q)
		}
	}
	if len(quals) == 0 {
		return nil
	}
	if err := t.store.DeleteColumns(key, fam, quals...); err != nil {
		return errors.WithMessagef(err, "deleting %s of row %s", path, key)
	}
	return nil
}

// ancestorPaths lists the proper ancestors of a dotted path, outermost
// first: "a.b.c" yields "a", "a.b".
func ancestorPaths(path string) []string {
	var ancs []string
	for i := 0; i < len(path); i++ {
		if path[i] == PathDelimiter[0] {
			ancs = append(ancs, path[:i])
		}
	}
	return ancs
}
